package main

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/archivision/archivision/pkg/conditioning"
	"github.com/archivision/archivision/pkg/mesh"
	"github.com/archivision/archivision/pkg/outputs"
	"github.com/archivision/archivision/pkg/render"
	"github.com/spf13/cobra"
)

// stage copies a local image into the batch as a normalized PNG.
func stage(batch *outputs.Batch, name, src string) (string, error) {
	f, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer f.Close()
	path, err := outputs.SaveUpload(batch, name, f)
	if err != nil {
		return "", fmt.Errorf("%s: %w", src, err)
	}
	return path, nil
}

func newRenderCmd(opts *rootOptions) *cobra.Command {
	cfg := render.DefaultConfig()
	var mode string
	var seed int64
	c := &cobra.Command{
		Use:   "render [flags] IMAGE...",
		Short: "Render sketches into a new batch directory without starting the server",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := conditioning.ParseMode(mode)
			if err != nil {
				return err
			}
			cfg.Mode = m
			if cmd.Flags().Changed("seed") {
				cfg.Seed = &seed
			}
			if err := cfg.Validate(opts.cfg.Diffusion.MaxImages); err != nil {
				return err
			}

			a, err := newApp(opts.cfg, false)
			if err != nil {
				return err
			}
			batch, err := a.layout.Allocate()
			if err != nil {
				return err
			}
			inputs := make([]string, 0, len(args))
			for i, arg := range args {
				path, err := stage(batch, outputs.RenderUploadName(i, arg), arg)
				if err != nil {
					return err
				}
				inputs = append(inputs, path)
			}

			result, err := a.renderer.RenderBatch(cmd.Context(), inputs, cfg, batch.Dir)
			if err != nil {
				return err
			}
			effective := result.Seed
			if _, err := outputs.WriteManifest(batch, outputs.KindRender, &effective, result.Paths); err != nil {
				log.Warnf("Could not write manifest: %v", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Batch %s (seed %d)\n", batch.ID, result.Seed)
			for _, p := range result.Paths {
				fmt.Fprintln(out, p)
			}
			return nil
		},
	}
	flags := c.Flags()
	flags.StringVar(&cfg.Prompt, "prompt", cfg.Prompt, "generation prompt")
	flags.StringVar(&cfg.NegativePrompt, "negative-prompt", cfg.NegativePrompt, "negative prompt")
	flags.IntVarP(&cfg.NumImages, "num-images", "n", cfg.NumImages, "variants per input image")
	flags.Float64Var(&cfg.GuidanceScale, "guidance-scale", cfg.GuidanceScale, "classifier-free guidance scale")
	flags.Float64Var(&cfg.ControlWeight, "control-weight", cfg.ControlWeight, "ControlNet conditioning weight")
	flags.StringVar(&mode, "preprocessor", string(cfg.Mode), "edge conditioning: lineart, canny or none")
	flags.Int64Var(&seed, "seed", 0, "generator seed (random if unset)")
	return c
}

func newMeshCmd(opts *rootOptions) *cobra.Command {
	req := mesh.DefaultRequest("")
	c := &cobra.Command{
		Use:   "mesh [flags] IMAGE",
		Short: "Reconstruct a textured mesh into a new batch directory without starting the server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Input = args[0]
			if err := req.Validate(); err != nil {
				return err
			}
			a, err := newApp(opts.cfg, false)
			if err != nil {
				return err
			}
			if err := a.reconstructor.CheckInstalled(); err != nil {
				return err
			}
			batch, err := a.layout.Allocate()
			if err != nil {
				return err
			}
			req.Input, err = stage(batch, outputs.MeshUploadName(args[0]), args[0])
			if err != nil {
				return err
			}

			result, err := a.reconstructor.Build(cmd.Context(), req, batch.Dir)
			if err != nil {
				return err
			}
			if _, err := outputs.WriteManifest(batch, outputs.KindMesh, nil, result.Artifacts.Paths()); err != nil {
				log.Warnf("Could not write manifest: %v", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Batch %s (conversion %s)\n", batch.ID, result.Conversion.Status)
			kinds := make([]string, 0, len(result.Artifacts))
			for kind := range result.Artifacts {
				kinds = append(kinds, string(kind))
			}
			slices.Sort(kinds)
			for _, kind := range kinds {
				fmt.Fprintf(out, "%s\t%s\n", kind, filepath.Clean(result.Artifacts[mesh.ArtifactKind(kind)]))
			}
			return nil
		},
	}
	flags := c.Flags()
	flags.BoolVar(&req.BakeTexture, "bake-texture", req.BakeTexture, "bake a texture atlas")
	flags.IntVar(&req.TextureResolution, "texture-resolution", req.TextureResolution, "baked texture size in pixels")
	return c
}
