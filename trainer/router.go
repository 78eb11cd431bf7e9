package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
)

type RedisKey string

// Shared runtime parameters. The sampling workers (vLLM-side) read the
// sampling:* keys; the zmrl learner reads and writes sampling:enabled to
// gate generation while it consumes a batch.
const (
	RedisSamplingEnabled       RedisKey = "sampling:enabled"
	RedisSamplingBaseModel     RedisKey = "sampling:base_model"
	RedisSamplingMaxModelLen   RedisKey = "sampling:max_model_len"
	RedisSamplingMaxNewTokens  RedisKey = "sampling:max_new_tokens"
	RedisSamplingTemperature   RedisKey = "sampling:temperature"
	RedisSamplingTopP          RedisKey = "sampling:top_p"
	RedisSamplingNumSamples    RedisKey = "sampling:num_samples"
	RedisSamplingStopSequence  RedisKey = "sampling:stop_sequence"
	RedisSamplingPromptBatch   RedisKey = "sampling:prompt_batch_size"
	RedisTrainingBaseModel     RedisKey = "training:base_model"
	RedisTrainingDoUpdateModel RedisKey = "training:do_update_model"
)

var AllRouterKeys = []RedisKey{
	RedisSamplingEnabled,
	RedisSamplingBaseModel,
	RedisSamplingMaxModelLen,
	RedisSamplingMaxNewTokens,
	RedisSamplingTemperature,
	RedisSamplingTopP,
	RedisSamplingNumSamples,
	RedisSamplingStopSequence,
	RedisSamplingPromptBatch,

	RedisTrainingBaseModel,
	RedisTrainingDoUpdateModel,
}

func setRouterParam(ctx context.Context, rdb *redis.Client, key RedisKey, val string) error {
	return rdb.Set(ctx, string(key), val, 0).Err()
}

func getRouterParam(ctx context.Context, rdb *redis.Client, key RedisKey) (string, error) {
	return rdb.Get(ctx, string(key)).Result()
}

func createRouterParamsCli() *cli.Command {
	set := false
	read := false
	toSet := ""
	valToSet := ""
	action := func(ctx context.Context, _ *cli.Command) error {
		logger := zerolog.Ctx(ctx)
		rdb, err := connectToRedis(ctx)
		if err != nil {
			return err
		}
		if set {
			if toSet == "" {
				return errors.New("key is required")
			}
			if valToSet == "" {
				return errors.New("value is required")
			}
			// special case empty string
			if valToSet == "_" {
				valToSet = ""
			}
			var statusCmd *redis.StatusCmd
			for _, key := range AllRouterKeys {
				if string(key) == toSet {
					statusCmd = rdb.Set(ctx, string(key), valToSet, 0)
					break
				}
			}
			if statusCmd == nil {
				return errors.New("invalid key")
			}
			if statusCmd.Err() != nil {
				return statusCmd.Err()
			}
			logger.Info().Msgf("set sampling params %s=%s", toSet, valToSet)
		} else if read {
			if toSet != "" {
				return errors.New("list with key is not supported")
			}
			for _, key := range AllRouterKeys {
				val, err := rdb.Get(ctx, string(key)).Result()
				if err != nil {
					return fmt.Errorf("error getting %s: %w", key, err)
				}
				logger.Info().Msgf("%s: %s", key, val)
			}
		} else {
			return errors.New("no action specified")
		}
		return nil
	}

	return &cli.Command{
		Name:   "params",
		Usage:  "router params",
		Action: action,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Aliases:     []string{"s"},
				Name:        "set",
				Usage:       "set router params",
				Destination: &set,
			},
			&cli.BoolFlag{
				Aliases:     []string{"l"},
				Name:        "list",
				Usage:       "list router params",
				Destination: &read,
			},
		},
		ArgsUsage: "[key] [value]",
		Aliases:   []string{"p"},
		Arguments: []cli.Argument{
			&cli.StringArg{
				Name:        "key",
				Destination: &toSet,
				Max:         1,
			},
			&cli.StringArg{
				Name:        "value",
				Destination: &valToSet,
				Max:         1,
			},
		},
	}
}

func askForConfirmation(ctx context.Context, msg string) bool {
	reader := bufio.NewReader(os.Stdin)
	logger := zerolog.Ctx(ctx)
	logger.Info().Msgf("%s (y/n): ", msg)
	response, _ := reader.ReadString('\n')
	return strings.TrimSpace(strings.ToLower(response)) == "y"
}

func createInitializeRouterParamsCli() *cli.Command {
	action := func(ctx context.Context, _ *cli.Command) error {
		if !askForConfirmation(ctx, "Are you sure you want to initialize the params? This will overwrite all existing params.") {
			return nil
		}
		logger := zerolog.Ctx(ctx)
		rdb, err := connectToRedis(ctx)
		if err != nil {
			return err
		}
		valsMap := map[RedisKey]string{
			RedisSamplingEnabled:      "true",
			RedisSamplingBaseModel:    "Qwen/Qwen2.5-Math-1.5B",
			RedisSamplingMaxModelLen:  "4096",
			RedisSamplingMaxNewTokens: "3000",
			RedisSamplingTemperature:  "1.0",
			RedisSamplingTopP:         "1.0",
			RedisSamplingNumSamples:   "8",
			RedisSamplingStopSequence: "",
			RedisSamplingPromptBatch:  "16",

			RedisTrainingBaseModel:     "Qwen/Qwen2.5-Math-1.5B",
			RedisTrainingDoUpdateModel: "true",
		}
		for key, val := range valsMap {
			statusCmd := rdb.Set(ctx, string(key), val, 0)
			if statusCmd.Err() != nil {
				return statusCmd.Err()
			}
			logger.Info().Msgf("set %s=%s", key, val)
		}
		return nil
	}
	return &cli.Command{
		Name:   "init",
		Usage:  "initialize router params",
		Action: action,
	}
}

func createRouterCli() *cli.Command {
	return &cli.Command{
		Name:    "router",
		Usage:   "router",
		Aliases: []string{"r"},
		Commands: []*cli.Command{
			createRouterParamsCli(),
			createInitializeRouterParamsCli(),
		},
	}
}
