package cmd

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/andresmejia3/deepscan/internal/pipeline"
	"github.com/andresmejia3/deepscan/internal/types"
	"github.com/andresmejia3/deepscan/internal/utils"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

// Options holds the scan command flags.
type Options struct {
	InputPath       string
	FramesPerSecond float64
	MaxFrames       int
	NoExplain       bool
	NoCache         bool
	JSON            bool
	SaveImage       string
}

var scanOpts Options

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Analyze a local video for deepfake manipulation",
	Run: func(cmd *cobra.Command, args []string) {
		if err := validateScanFlags(&scanOpts); err != nil {
			utils.Die("Invalid scan options", err, nil)
		}
		if code := runScan(cmd.Context(), scanOpts); code != 0 {
			os.Exit(code)
		}
	},
}

func init() {
	scanCmd.Flags().StringVarP(&scanOpts.InputPath, "input", "i", "", "Path to video")
	scanCmd.Flags().Float64VarP(&scanOpts.FramesPerSecond, "fps", "f", 0, "Sampling density in frames per second of video (default from config, 5)")
	scanCmd.Flags().IntVarP(&scanOpts.MaxFrames, "max-frames", "m", 0, "Upper bound on decoded frames (default from config, 500)")
	scanCmd.Flags().BoolVar(&scanOpts.NoExplain, "no-explain", false, "Skip the AI explanations")
	scanCmd.Flags().BoolVar(&scanOpts.NoCache, "no-cache", false, "Do not read or write the Redis result cache")
	scanCmd.Flags().BoolVar(&scanOpts.JSON, "json", false, "Print the result as JSON on stdout")
	scanCmd.Flags().StringVarP(&scanOpts.SaveImage, "save-image", "o", "", "Write the annotated frame to this JPEG path")

	scanCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(scanCmd)
}

// runScan streams one analysis to the terminal and returns the process exit code.
func runScan(ctx context.Context, opts Options) int {
	cfg := *Cfg
	if opts.FramesPerSecond > 0 {
		cfg.Sampler.FramesPerSecond = opts.FramesPerSecond
	}
	if opts.MaxFrames > 0 {
		cfg.Sampler.MaxFrames = opts.MaxFrames
	}
	if opts.NoExplain {
		cfg.Explain.Provider = ""
	}

	fmt.Fprintf(os.Stderr, "⚙️  Spawning %d model worker(s)...\n", cfg.Models.PoolSize)
	comps, err := buildComponents(ctx, &cfg, nil, !opts.NoCache)
	if err != nil {
		utils.ShowError("Failed to start the analysis engine", err, nil)
		return 1
	}
	defer comps.Close()

	start := time.Now()
	name := filepath.Base(opts.InputPath)
	fmt.Fprintf(os.Stderr, "📼 Analyzing %s\n", name)

	var (
		bar    *progressbar.ProgressBar
		result *types.AnalysisResult
		code   int
	)
	events := comps.Orchestrator.Stream(ctx, pipeline.Request{
		TaskID: name,
		Path:   opts.InputPath,
		Source: name,
		Keep:   true,
	})
	for ev := range events {
		switch ev.Type {
		case types.EventProgress:
			if !ev.Counted {
				fmt.Fprintf(os.Stderr, "🔎 %s\n", ev.Message)
				continue
			}
			if bar == nil {
				bar = progressbar.NewOptions(ev.Total,
					progressbar.OptionSetDescription("🔍 Scoring frames"),
					progressbar.OptionSetWriter(os.Stderr),
					progressbar.OptionShowCount(),
				)
			}
			bar.Set(ev.Processed)
		case types.EventResult:
			if bar != nil {
				bar.Finish()
				fmt.Fprintln(os.Stderr)
			}
			result = ev.Result
			printResult(result, time.Since(start))
			if opts.SaveImage != "" {
				if err := saveImage(result, opts.SaveImage); err != nil {
					utils.ShowError("Failed to save annotated frame", err, nil)
				} else {
					fmt.Fprintf(os.Stderr, "🖼️  Annotated frame written to %s\n", opts.SaveImage)
				}
			}
		case types.EventVideoExplanation:
			printExplanation("🎬 Video explanation", ev)
		case types.EventAudioExplanation:
			printExplanation("🎧 Audio explanation", ev)
		case types.EventError:
			if bar != nil {
				fmt.Fprintln(os.Stderr)
			}
			utils.ShowError("Analysis failed", errors.New(ev.Message), nil)
			code = 1
		}
	}

	if ctx.Err() != nil {
		fmt.Fprintln(os.Stderr, "\n🛑 Scan interrupted.")
		return 130
	}
	if opts.JSON && result != nil {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			utils.ShowError("Failed to encode result", err, nil)
			return 1
		}
	}
	return code
}

func printResult(r *types.AnalysisResult, elapsed time.Duration) {
	icon := "✅"
	if r.Verdict == types.VerdictFake {
		icon = "⚠️ "
	}
	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "📊 ANALYSIS SUMMARY\n")
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "%s Video Verdict:     %s (average fake confidence %.2f%%)\n", icon, r.Verdict, r.AverageConfidence*100)
	fmt.Fprintf(os.Stderr, "🎧 Audio Verdict:     %s (%.2f%%)\n", r.AudioVerdict, r.AudioConfidence*100)
	fmt.Fprintf(os.Stderr, "🖼️  Frames with faces: %d\n", len(r.FrameScores))
	fmt.Fprintf(os.Stderr, "⏱️  Elapsed:           %s\n", fmtTime(elapsed.Seconds()))
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
}

func printExplanation(title string, ev types.StreamEvent) {
	suffix := ""
	if ev.Degraded {
		suffix = " (unavailable)"
	}
	fmt.Fprintf(os.Stderr, "\n%s%s:\n%s\n", title, suffix, ev.Explanation)
}

func saveImage(r *types.AnalysisResult, path string) error {
	if r.ResultImage == nil {
		return errors.New("no annotated frame was produced")
	}
	raw, err := base64.StdEncoding.DecodeString(*r.ResultImage)
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}

// validateScanFlags ensures all CLI arguments are valid before starting heavy processes.
func validateScanFlags(opts *Options) error {
	info, err := os.Stat(opts.InputPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("input file does not exist: %w", err)
		}
		return fmt.Errorf("unable to access input file: %w", err)
	}
	if info.IsDir() {
		return errors.New("input path is a directory, expected a video file")
	}
	if opts.FramesPerSecond < 0 {
		return fmt.Errorf("fps must be >= 0, got %v", opts.FramesPerSecond)
	}
	if opts.MaxFrames < 0 {
		return fmt.Errorf("max-frames must be >= 0, got %d", opts.MaxFrames)
	}
	if opts.SaveImage != "" {
		if dir := filepath.Dir(opts.SaveImage); dir != "." {
			if st, err := os.Stat(dir); err != nil || !st.IsDir() {
				return fmt.Errorf("output directory %s does not exist", dir)
			}
		}
	}
	return nil
}

func fmtTime(seconds float64) string {
	duration := time.Duration(seconds * float64(time.Second))
	h := int(duration.Hours())
	m := int(duration.Minutes()) % 60
	s := int(duration.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
