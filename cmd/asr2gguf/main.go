// asr2gguf converts a Qwen3-ASR safetensors checkpoint into a tagged GGUF
// container with Q8_0 encoder and Q4_K decoder weights.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/qpack/internal/convert"
	"github.com/samcharles93/qpack/internal/logger"
)

func main() {
	app := &cli.Command{
		Name:      "asr2gguf",
		Usage:     "Convert Qwen3-ASR safetensors weights to a GGUF container",
		ArgsUsage: "<model_dir> <output.gguf>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-level",
				Value: "info",
				Usage: "minimum log level (debug, info, warn, error)",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 2 {
				_ = cli.ShowAppHelp(cmd)
				return fmt.Errorf("expected <model_dir> <output.gguf>")
			}
			return convert.GGUF(convert.Options{
				ModelDir:   cmd.Args().Get(0),
				OutputPath: cmd.Args().Get(1),
				Logger:     logger.Text(os.Stderr, logger.ParseLevel(cmd.String("log-level"))),
			})
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		logger.Default().Error("conversion failed", "error", err)
		os.Exit(1)
	}
}
