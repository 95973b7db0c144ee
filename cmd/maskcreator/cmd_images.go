package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"maskcreator/internal/compositor"
	"maskcreator/internal/layer"
	"maskcreator/internal/session"
	"maskcreator/internal/workspace"
)

func newArgsCmd(flags *globalFlags) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "args",
		Short: "Print the startup arguments of the segmentation server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(cmd, flags)
			if err != nil {
				return err
			}
			defer a.close()

			svc := a.service()
			defer svc.Close()

			args, err := svc.StartupArgs(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]string{
					"proc_dir":         args.ProcDir,
					"detection_prompt": args.DetectionPrompt,
				})
			}
			fmt.Fprintf(out, "Process directory: %s\n", args.ProcDir)
			fmt.Fprintf(out, "Detection prompt:  %s\n", args.DetectionPrompt)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output as JSON")
	return cmd
}

func newListCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list [dir]",
		Short: "List the base images of a process directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd, flags)
			if err != nil {
				return err
			}
			defer a.close()

			dir := a.cfg.Workspace.Directory
			if len(args) == 1 {
				dir = args[0]
			}
			if dir == "" {
				dir = "."
			}

			ws, err := workspace.Open(dir, a.workspaceOptions())
			if err != nil {
				return err
			}
			if ws.Len() == 0 {
				return errors.New(session.MsgNoBaseImages)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "#\tIMAGE\tMASK")
			for i, path := range ws.Images() {
				mask := "-"
				if ws.HasMask(path) {
					mask = ws.MaskPath(path)
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\n", i+1, path, mask)
			}
			return tw.Flush()
		},
	}
}

func newSegmentCmd(flags *globalFlags) *cobra.Command {
	var (
		points []string
		boxArg string
		out    string
		all    bool
	)

	cmd := &cobra.Command{
		Use:   "segment <image>",
		Short: "Segment an image from point and box prompts",
		Example: `  maskcreator segment photo.jpg --point 120,80,+ --point 300,40,-
  maskcreator segment photo.jpg --box 10,10,200,180 --all`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pts, err := parsePoints(points)
			if err != nil {
				return err
			}
			box, err := parseBox(boxArg)
			if err != nil {
				return err
			}

			a, err := loadApp(cmd, flags)
			if err != nil {
				return err
			}
			defer a.close()

			img, err := workspace.LoadImage(args[0])
			if err != nil {
				return err
			}

			svc := a.service()
			defer svc.Close()

			masks, err := svc.GenerateMasks(cmd.Context(), img.Data, pts, box)
			if err != nil {
				return err
			}
			if len(masks) == 0 {
				return errors.New("server returned no mask candidates")
			}

			if out == "" {
				out = workspace.MaskPathFor(img.Path, a.cfg.Workspace.MaskSuffix)
			}

			for _, i := range candidatesToWrite(masks, img.Width, img.Height, all) {
				path := out
				if all {
					path = numberedPath(out, i)
				}
				if err := writeCandidate(img, masks[i].PNG, path); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%.3f\n", path, masks[i].Score)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringArrayVar(&points, "point", nil, "point prompt x,y,+ (include) or x,y,- (exclude); repeatable")
	f.StringVar(&boxArg, "box", "", "box prompt x1,y1,x2,y2")
	f.StringVarP(&out, "out", "o", "", "output PNG (default: the image's mask path)")
	f.BoolVar(&all, "all", false, "write every candidate as <out>_<i>.png")
	return cmd
}

// writeCandidate flattens one candidate to an opaque PNG at the base image
// size and saves it.
func writeCandidate(img *workspace.BaseImage, png []byte, path string) error {
	l := layer.NewImage(layer.NameImage, img.Width, img.Height)
	l.UpdateSingleMask(png)
	data, err := compositor.CompositePNG(img.Width, img.Height, []layer.Layer{l})
	if err != nil {
		return err
	}
	if data == nil {
		return errors.New(session.MsgSaveEmpty)
	}
	return workspace.SaveMask(path, data)
}

func newDetectCmd(flags *globalFlags) *cobra.Command {
	var (
		prompt  string
		replace bool
	)

	cmd := &cobra.Command{
		Use:   "detect <image>",
		Short: "Detect objects from a text prompt and save their combined mask",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd, flags)
			if err != nil {
				return err
			}
			defer a.close()

			svc := a.service()
			defer svc.Close()

			hist, err := a.history()
			if err != nil {
				return err
			}
			if hist != nil {
				defer hist.Close()
			}

			sess, err := a.session(svc, hist)
			if err != nil {
				return err
			}
			if err := sess.LoadBaseImage(args[0]); err != nil {
				return err
			}
			if replace {
				dropSavedMask(sess)
			}

			if prompt != "" {
				sess.SetDetectionPrompt(prompt)
			}
			if sess.DetectionPrompt() == "" {
				if sa, err := svc.StartupArgs(cmd.Context()); err == nil {
					sess.SetDetectionPrompt(sa.DetectionPrompt)
				}
			}

			task, err := sess.Detect(cmd.Context())
			if err != nil {
				return err
			}
			if err := task.Wait(cmd.Context()); err != nil {
				return err
			}
			if task.Err() != nil {
				return task.Err()
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, l := range sess.Layers() {
				fmt.Fprintf(tw, "%s\t%s\n", l.Name, l.Selection)
			}
			tw.Flush()

			path, err := sess.Save(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}

	cmd.Flags().StringVarP(&prompt, "prompt", "p", "", "detection prompt, captions separated by periods")
	cmd.Flags().BoolVar(&replace, "replace", false, "ignore a previously saved mask instead of adding to it")
	return cmd
}

// dropSavedMask removes the layer holding a previously saved mask.
func dropSavedMask(sess *session.Session) {
	for _, l := range sess.Layers() {
		if l.Name == layer.NameSavedMask {
			sess.RemoveLayer(l.ID)
		}
	}
}

func newCompositeCmd(flags *globalFlags) *cobra.Command {
	var (
		out     string
		overlay bool
	)

	cmd := &cobra.Command{
		Use:   "composite <image> <mask.png>...",
		Short: "Add existing masks into one opaque mask or a tinted overlay",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd, flags)
			if err != nil {
				return err
			}
			defer a.close()

			img, err := workspace.LoadImage(args[0])
			if err != nil {
				return err
			}

			layers := make([]layer.Layer, 0, len(args)-1)
			for _, path := range args[1:] {
				png, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("read mask: %w", err)
				}
				l := layer.NewImage(layer.NameImage, img.Width, img.Height)
				l.UpdateSingleMask(png)
				layers = append(layers, l)
			}

			canvas, err := compositor.Composite(img.Width, img.Height, layers)
			if err != nil {
				return err
			}
			if canvas == nil {
				return errors.New(session.MsgSaveEmpty)
			}

			var data []byte
			if overlay {
				tint, err := compositor.ParseColor(a.cfg.Mask.Tint)
				if err != nil {
					return err
				}
				data, err = compositor.EncodePNG(compositor.Overlay(canvas, tint))
				if err != nil {
					return err
				}
			} else {
				data, err = compositor.EncodePNG(compositor.Flatten(canvas))
				if err != nil {
					return err
				}
			}

			if out == "" {
				out = workspace.MaskPathFor(img.Path, a.cfg.Workspace.MaskSuffix)
			}
			if err := workspace.SaveMask(out, data); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "", "output PNG (default: the image's mask path)")
	cmd.Flags().BoolVar(&overlay, "overlay", false, "write the tinted overlay instead of the opaque mask")
	return cmd
}
