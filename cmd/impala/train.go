package main

import (
	"context"
	"fmt"
	"os"

	"github.com/samuelfneumann/goimpala/agent"
	"github.com/samuelfneumann/goimpala/agent/impala"
	"github.com/samuelfneumann/goimpala/device"
	"github.com/samuelfneumann/goimpala/environment/bandit"
	"github.com/samuelfneumann/goimpala/experiment/checkpointer"
	"github.com/samuelfneumann/goimpala/experiment/tracker"
	"github.com/samuelfneumann/goimpala/logger"
	"github.com/samuelfneumann/goimpala/network"
	"github.com/samuelfneumann/goimpala/utils/progressbar"
	"github.com/urfave/cli/v3"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

func trainCmd() *cli.Command {
	var (
		iterations  int64
		contexts    int64
		actions     int64
		discount    float64
		rewardNoise float64
		epsilon     float64
		resume      int64
		streamed    bool
		progress    bool
		trackFile   string
		trackEvery  int64
	)

	flags := []cli.Flag{
		&cli.IntFlag{
			Name:        "iterations",
			Aliases:     []string{"n"},
			Usage:       "number of training steps",
			Value:       1000,
			Destination: &iterations,
		},
		&cli.IntFlag{
			Name:        "contexts",
			Usage:       "number of bandit contexts",
			Value:       4,
			Destination: &contexts,
		},
		&cli.IntFlag{
			Name:        "actions",
			Usage:       "number of bandit actions",
			Value:       4,
			Destination: &actions,
		},
		&cli.FloatFlag{
			Name:        "discount",
			Usage:       "bandit discount factor",
			Value:       0.9,
			Destination: &discount,
		},
		&cli.FloatFlag{
			Name:        "reward-noise",
			Usage:       "standard deviation of the bandit's reward noise",
			Destination: &rewardNoise,
		},
		&cli.FloatFlag{
			Name:        "epsilon",
			Usage:       "weight of the uniform policy mixed into the behaviour policy",
			Value:       0.1,
			Destination: &epsilon,
		},
		&cli.IntFlag{
			Name:        "resume",
			Usage:       "checkpoint index to resume from, negative to start fresh",
			Value:       -1,
			Destination: &resume,
		},
		&cli.BoolFlag{
			Name:        "streamed",
			Usage:       "transfer inputs on an asynchronous stream",
			Destination: &streamed,
		},
		&cli.BoolFlag{
			Name:        "progress",
			Usage:       "display a progress bar",
			Value:       true,
			Destination: &progress,
		},
		&cli.StringFlag{
			Name:        "track",
			Usage:       "file to save the training losses to",
			Destination: &trackFile,
		},
		&cli.IntFlag{
			Name:        "track-every",
			Usage:       "number of training steps between tracked losses",
			Value:       1,
			Destination: &trackEvery,
		},
	}
	flags = append(flags, configFlags()...)
	flags = append(flags, loggingFlags()...)

	return &cli.Command{
		Name:  "train",
		Usage: "Train a learner on a contextual bandit",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			config := impala.DefaultConfig()
			if configPath != "" {
				var err error
				if config, err = impala.LoadConfig(configPath); err != nil {
					return fmt.Errorf("train: %w", err)
				}
			}
			if outputDir != "" {
				config.OutputDir = outputDir
			}
			if streamed {
				config.Streamed = true
			}
			if epsilon < 0 || epsilon > 1 {
				return fmt.Errorf("train: epsilon must be in [0, 1], got %v",
					epsilon)
			}

			log, err := newLogger(os.Stderr, config.LogLevel)
			if err != nil {
				return fmt.Errorf("train: %w", err)
			}
			ctx = logger.WithContext(ctx, log)

			env, err := bandit.New(bandit.Config{
				Contexts:    int(contexts),
				Actions:     int(actions),
				Steps:       config.Steps,
				Batch:       config.Batch,
				Discount:    discount,
				RewardNoise: rewardNoise,
				Masked:      config.Model.Masked,
			}, config.Seed)
			if err != nil {
				return fmt.Errorf("train: %w", err)
			}
			config.Model.Features = env.Config.Contexts
			config.Model.Actions = env.Actions

			var tr tracker.Tracker
			if trackFile != "" {
				if tr, err = tracker.NewLosses(trackFile,
					int(trackEvery)); err != nil {
					return fmt.Errorf("train: %w", err)
				}
			}

			r := run{
				config:     config,
				env:        env,
				iterations: int(iterations),
				epsilon:    epsilon,
				resume:     int(resume),
				progress:   progress,
				tracker:    tr,
			}
			return r.train(ctx)
		},
	}
}

// run is a training run of a learner on a contextual bandit
type run struct {
	config     impala.Config
	env        *bandit.Bandit
	iterations int
	epsilon    float64
	resume     int
	progress   bool
	tracker    tracker.Tracker
}

func (r run) train(ctx context.Context) error {
	log := logger.FromContext(ctx)

	model, err := network.NewActorCriticMLP(G.NewGraph(), r.config.Model, 1)
	if err != nil {
		return fmt.Errorf("train: could not create model: %w", err)
	}
	d := device.Host()
	if r.config.Streamed {
		d = device.NewStreamed("stream")
	}
	learner, err := impala.New(model, d, r.config, log)
	if err != nil {
		return fmt.Errorf("train: %w", err)
	}
	defer learner.Close()

	if r.resume >= 0 {
		if err := learner.LoadModel(r.resume); err != nil {
			return fmt.Errorf("train: %w", err)
		}
	}

	var ckpt checkpointer.Checkpointer
	if r.config.CheckpointEvery > 0 {
		if ckpt, err = checkpointer.NewNStep(r.config.CheckpointEvery,
			learner); err != nil {
			return fmt.Errorf("train: %w", err)
		}
	}

	var bar *progressbar.ProgressBar
	if r.progress {
		bar = progressbar.New(40, r.iterations)
		defer bar.Close()
	}

	// One observation per context, whose predicted policies become the
	// behaviour policy of the next batch
	contexts := make([]int, r.env.Config.Contexts)
	for i := range contexts {
		contexts[i] = i
	}
	obs := r.env.Observe(contexts)
	policies := tensor.New(tensor.WithShape(len(contexts), r.env.Actions),
		tensor.WithBacking(make([]float64, len(contexts)*r.env.Actions)))

	// handle records the Result of a pipelined operation, returning
	// the behaviour policy if the Result is a prediction
	var last *agent.Losses
	handle := func(result *agent.Result) ([][]float64, error) {
		if result == nil {
			return nil, nil
		}
		if result.IsPrediction() {
			return r.behaviour(result.Policies), nil
		}

		last = result.Losses
		step := r.resumedSteps() + learner.TrainSteps()
		log.Debug("training step", "step", step, "losses", last.String())
		if r.tracker != nil {
			r.tracker.Track(step, *last)
		}
		if bar != nil {
			bar.Increment()
			bar.SetStatus(last.String())
			bar.Display()
		}
		if ckpt != nil {
			return nil, ckpt.Checkpoint(step)
		}
		return nil, nil
	}

	var behaviour [][]float64
	for i := 0; i < r.iterations; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		traj, err := r.env.Sample(behaviour)
		if err != nil {
			return fmt.Errorf("train: %w", err)
		}

		// The prediction runs after the previous training step, so the
		// behaviour policy lags the learner by one step
		result, err := learner.Predict(obs, policies)
		if err != nil {
			return fmt.Errorf("train: %w", err)
		}
		if _, err := handle(result); err != nil {
			return fmt.Errorf("train: %w", err)
		}

		result, err = learner.Train(traj.Observations, traj.Actions,
			traj.Rewards, traj.BehaviourPolicies, traj.Discounts,
			traj.LossCoefs, traj.DataSizes)
		if err != nil {
			return fmt.Errorf("train: %w", err)
		}
		if behaviour, err = handle(result); err != nil {
			return fmt.Errorf("train: %w", err)
		}
	}

	result, err := learner.Sync()
	if err != nil {
		return fmt.Errorf("train: %w", err)
	}
	if _, err := handle(result); err != nil {
		return fmt.Errorf("train: %w", err)
	}

	if r.tracker != nil {
		if err := r.tracker.Save(); err != nil {
			return fmt.Errorf("train: %w", err)
		}
	}
	if last != nil {
		log.Info("finished training", "steps", learner.TrainSteps(),
			"value", last.Value, "policy", last.Policy,
			"entropy", last.Entropy)
	}
	if r.config.CheckpointEvery > 0 {
		final := r.resumedSteps() + learner.TrainSteps()
		if err := learner.SaveModel(final); err != nil {
			return fmt.Errorf("train: %w", err)
		}
	}
	return nil
}

// resumedSteps returns the number of training steps performed before
// the run started
func (r run) resumedSteps() int {
	if r.resume < 0 {
		return 0
	}
	return r.resume
}

// behaviour mixes the predicted policies with the uniform policy
func (r run) behaviour(policies *tensor.Dense) [][]float64 {
	data := policies.Data().([]float64)
	numActions := r.env.Actions
	uniform := r.epsilon / float64(numActions)

	rows := make([][]float64, len(data)/numActions)
	for i := range rows {
		rows[i] = make([]float64, numActions)
		for a := range rows[i] {
			rows[i][a] = (1-r.epsilon)*data[i*numActions+a] + uniform
		}
	}
	return rows
}
