// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// vampnet generates variations of an audio prompt with iterative masked-token decoding.
//
// The prompt is a synthesized tone, encoded with a residual vector quantizer codec. The positions
// selected by -mode are masked and re-generated by a transformer scorer, randomly initialized or
// loaded from -checkpoint.
//
// Hyperparameters given with -set in the scope "/variation_<n>" apply only to that variation, e.g.
// "/variation_1/maskgit_temperature=4".
//
// Example:
//
//	vampnet -mode=periodic -period=4 -variations=3 -set="maskgit_steps=12;/variation_2/maskgit_temperature=4" -plot=steps.png
package main

import (
	stdcontext "context"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"time"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/vampnet/pkg/codec"
	"github.com/gomlx/vampnet/pkg/codec/rvq"
	"github.com/gomlx/vampnet/pkg/codes"
	"github.com/gomlx/vampnet/pkg/maskgit"
	"github.com/gomlx/vampnet/pkg/model"
	"github.com/gomlx/vampnet/ui/commandline"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

var (
	flagBackend    = flag.String("backend", "", "GoMLX backend to use, e.g. \"xla:cpu\" or \"go\". Sets GOMLX_BACKEND.")
	flagCheckpoint = flag.String("checkpoint", "", "Directory of a checkpoint with the scorer weights. "+
		"If empty, the scorer is randomly initialized.")

	flagPromptSeconds = flag.Float64("prompt_seconds", 2.0, "Duration of the synthesized prompt.")
	flagPromptFreq    = flag.Float64("prompt_freq", 440.0, "Frequency in Hz of the synthesized prompt.")
	flagTimeSteps     = flag.Int("time_steps", 0, "If > 0, number of frames to generate, overriding -prompt_seconds.")

	flagConditioning = flag.Int("conditioning_codebooks", 1, "Number of leading codebooks kept from the prompt.")
	flagMode         = flag.String("mode", "periodic", "Which positions to re-generate: "+
		"\"generate\" (all predicted codebooks), \"inpaint\" (all but -prefix and -suffix frames), "+
		"\"periodic\" (all but every -period-th frame) or \"random\" (each position with probability -mask_ratio).")
	flagPrefix    = flag.Int("prefix", 8, "Number of frames kept at the start in \"inpaint\" mode.")
	flagSuffix    = flag.Int("suffix", 8, "Number of frames kept at the end in \"inpaint\" mode.")
	flagPeriod    = flag.Int("period", 7, "Period of the frames kept in \"periodic\" mode.")
	flagWidth     = flag.Int("width", 1, "Width of the frames kept in \"periodic\" mode.")
	flagMaskCodes = flag.Int("mask_codebooks", 0, "If > 0, codebooks from this index on are always re-generated.")
	flagMaskRatio = flag.Float64("mask_ratio", 1.0, "Probability of re-generating each position selected by -mode. "+
		"Values < 1 re-generate a random subset of them.")
	flagMaskSeed  = flag.Int("mask_seed", 0, "Seed of the random positions selected by -mask_ratio.")

	flagVariations = flag.Int("variations", 1, "Number of variations generated concurrently.")
	flagProgress   = flag.Bool("progress", true, "Display the progress of the decoding steps.")
	flagPlot       = flag.String("plot", "", "If set, file name of a PNG plot of the masked positions per step.")
	flagOutput     = flag.String("output", "", "If set, directory where the generated token grids are saved.")
)

func main() {
	ctx := context.New()
	commandline.SetDefaults(ctx, maskgit.DefaultParams(), rvq.DefaultParams(), model.DefaultParams())
	settings := commandline.CreateSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()

	if *flagBackend != "" {
		if err := os.Setenv(backends.ConfigEnvVar, *flagBackend); err != nil {
			klog.Warningf("Failed to set backend: %v", err)
		}
	}

	// Checkpoint hyperparameters are loaded first, so the ones given with -set take precedence.
	if *flagCheckpoint != "" {
		must.M(model.LoadCheckpoint(ctx, *flagCheckpoint))
	}
	paramsSet, err := commandline.ParseSettings(ctx, *settings)
	if err != nil {
		klog.Fatalf("Invalid -set: %+v", err)
	}
	if len(paramsSet) > 0 {
		fmt.Printf("Settings:\n%s\n", commandline.SprintModifiedSettings(ctx, paramsSet))
	}

	if err := run(ctx); err != nil {
		klog.Fatalf("Failed: %+v", err)
	}
}

func run(ctx *context.Context) error {
	c, err := rvq.New().FromContext(ctx).Done()
	if err != nil {
		return err
	}
	nCond := *flagConditioning
	m := model.New(c.VocabSize(), c.NumCodebooks(), nCond, c.LatentDim()).FromContext(ctx)
	backend := backends.MustNew()
	klog.V(1).Infof("Backend: %s", backend.Name())
	scorer, err := model.NewScorer(backend, ctx, m)
	if err != nil {
		return err
	}

	prompt, err := encodePrompt(c)
	if err != nil {
		return err
	}
	mask, err := buildMask(prompt, rand.NewPCG(uint64(*flagMaskSeed), 0))
	if err != nil {
		return err
	}
	fmt.Printf("Prompt: %s tokens, %d codebooks (%d conditioning), %.2fs at %d Hz\n",
		prompt, c.NumCodebooks(), nCond, float64(prompt.Time*c.HopLength())/float64(c.SampleRate()), c.SampleRate())

	generators := make([]*maskgit.Generator, *flagVariations)
	steps := make([]int, *flagVariations)
	for variation := range generators {
		generators[variation] = newGenerator(ctx, scorer, c, nCond, variation)
		steps[variation] = generators[variation].Steps
	}
	progress := commandline.NewProgress(steps, *flagProgress)
	for _, generator := range generators {
		generator.WithStepFn(progress.StepFn)
	}

	results := make([]*maskgit.Result, *flagVariations)
	durations := make([]time.Duration, *flagVariations)
	eg, egCtx := errgroup.WithContext(stdcontext.Background())
	for variation := range *flagVariations {
		eg.Go(func() error {
			start := time.Now()
			result, err := generators[variation].Generate(egCtx, maskgit.Request{
				StartTokens:  prompt,
				Mask:         mask,
				ReturnSignal: true,
				Variation:    variation,
			})
			if err != nil {
				return errors.WithMessagef(err, "variation %d", variation)
			}
			results[variation] = result
			durations[variation] = time.Since(start)
			return nil
		})
	}
	err = eg.Wait()
	progress.Done()
	if err != nil {
		return err
	}

	printSummary(prompt, results, durations)
	if *flagPlot != "" {
		if err := plotHistory(*flagPlot, progress.History()); err != nil {
			return err
		}
		fmt.Printf("Plot of masked positions per step saved to %q\n", *flagPlot)
	}
	if *flagOutput != "" {
		paths, err := saveResults(*flagOutput, results)
		if err != nil {
			return err
		}
		for _, path := range paths {
			fmt.Printf("Saved %s\n", path)
		}
	}
	return nil
}

// newGenerator configures the generator of a variation: hyperparameters set in the scope
// "variation_<n>" take precedence over the ones in the root scope.
func newGenerator(ctx *context.Context, scorer maskgit.Scorer, c codec.Codec, nCond, variation int) *maskgit.Generator {
	return maskgit.New(scorer, c, nCond).FromContext(ctx.In(fmt.Sprintf("variation_%d", variation)))
}

// encodePrompt synthesizes the prompt tone and encodes it.
func encodePrompt(c *rvq.Codec) (*codes.Tokens, error) {
	numSamples := int(*flagPromptSeconds * float64(c.SampleRate()))
	if *flagTimeSteps > 0 {
		numSamples = *flagTimeSteps * c.HopLength()
	}
	if numSamples <= 0 {
		return nil, errors.Errorf("empty prompt: -prompt_seconds=%g, -time_steps=%d", *flagPromptSeconds, *flagTimeSteps)
	}
	signal := codec.Sine(1, c.SampleRate(), numSamples, *flagPromptFreq, 0.5)
	klog.V(1).Infof("Prompt: %d samples (%.2fs), RMS %.4f", signal.NumSamples(), signal.Duration(), signal.RMS(0))
	return c.Encode(signal)
}

// buildMask returns the positions to re-generate according to -mode and -mask_ratio.
func buildMask(prompt *codes.Tokens, src rand.Source) (*codes.Mask, error) {
	batch, numCodebooks, numFrames := prompt.Batch, prompt.Codebooks, prompt.Time
	var mask *codes.Mask
	var err error
	switch *flagMode {
	case "generate", "random":
		mask = codes.Full(batch, numCodebooks, numFrames, true)
	case "inpaint":
		mask, err = codes.InpaintMask(batch, numCodebooks, numFrames, *flagPrefix, *flagSuffix)
	case "periodic":
		mask, err = codes.PeriodicMask(batch, numCodebooks, numFrames, *flagPeriod, *flagWidth, 0)
	default:
		return nil, errors.Errorf("unknown -mode=%q, valid values are \"generate\", \"inpaint\", "+
			"\"periodic\" or \"random\"", *flagMode)
	}
	if err != nil {
		return nil, err
	}
	if *flagMaskRatio != 1 {
		ratios := make([]float64, batch)
		for b := range ratios {
			ratios[b] = *flagMaskRatio
		}
		random, err := codes.RandomMask(src, batch, numCodebooks, numFrames, ratios)
		if err != nil {
			return nil, errors.WithMessage(err, "invalid -mask_ratio")
		}
		if mask, err = codes.MaskAnd(mask, random); err != nil {
			return nil, err
		}
	}
	if *flagMaskCodes > 0 && *flagMaskCodes < numCodebooks {
		mask = codes.CodebookMask(mask, *flagMaskCodes)
	}
	return mask, nil
}
