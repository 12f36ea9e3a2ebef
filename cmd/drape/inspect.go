package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/samcharles93/drape/internal/blobs"
	"github.com/samcharles93/drape/internal/checkpoint"
	"github.com/samcharles93/drape/internal/inference"
	"github.com/samcharles93/drape/internal/safetensors"
	"github.com/urfave/cli/v3"
)

type groupSummary struct {
	Tensors int
	Params  int64
}

type checkpointSummary struct {
	Path       string
	Groups     map[checkpoint.Group]groupSummary
	DTypes     map[string]int
	Unassigned []string
	Metadata   map[string]string
}

// summarizeCheckpoint reads only the safetensors header of path.
func summarizeCheckpoint(path string) (*checkpointSummary, error) {
	f, err := safetensors.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	s := &checkpointSummary{
		Path:     path,
		Groups:   make(map[checkpoint.Group]groupSummary),
		DTypes:   make(map[string]int),
		Metadata: f.Metadata,
	}
	for _, name := range f.Names() {
		info := f.Tensors[name]
		s.DTypes[info.DType]++
		g, _, ok := checkpoint.Classify(name)
		if !ok {
			s.Unassigned = append(s.Unassigned, name)
			continue
		}
		gs := s.Groups[g]
		gs.Tensors++
		n := int64(1)
		for _, d := range info.Shape {
			n *= int64(d)
		}
		gs.Params += n
		s.Groups[g] = gs
	}
	return s, nil
}

func (s *checkpointSummary) groupList() string {
	var names []string
	for _, g := range checkpoint.Groups {
		if _, ok := s.Groups[g]; ok {
			names = append(names, string(g))
		}
	}
	return strings.Join(names, ",")
}

func inspectCmd() *cli.Command {
	var showTensors bool

	return &cli.Command{
		Name:      "inspect",
		Usage:     "Show the weight groups and metadata of a checkpoint",
		ArgsUsage: "<checkpoint.safetensors | gs://bucket/object>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "tensors",
				Usage:       "list every tensor with its shape",
				Destination: &showTensors,
			},
			&cli.StringFlag{
				Name:        "cache-dir",
				Usage:       "directory for downloaded checkpoints",
				Destination: &cacheDir,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return cli.Exit("error: inspect takes exactly one checkpoint", 2)
			}
			dir := cacheDir
			if dir == "" {
				dir = filepath.Join(os.TempDir(), "drape")
			}
			path, err := blobs.Fetch(ctx, cmd.Args().First(), dir)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			s, err := summarizeCheckpoint(path)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			printSummary(s)
			if showTensors {
				if err := printTensors(path); err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
			}
			return nil
		},
	}
}

func printSummary(s *checkpointSummary) {
	fmt.Printf("checkpoint: %s\n\n", s.Path)
	fmt.Printf("  %-18s %8s %12s\n", "GROUP", "TENSORS", "PARAMS")
	for _, g := range checkpoint.Groups {
		gs, ok := s.Groups[g]
		if !ok {
			fmt.Printf("  %-18s %8s %12s\n", g, "-", "missing")
			continue
		}
		fmt.Printf("  %-18s %8d %12d\n", g, gs.Tensors, gs.Params)
	}
	if len(s.Unassigned) > 0 {
		fmt.Printf("\nunassigned tensors: %d (e.g. %s)\n", len(s.Unassigned), s.Unassigned[0])
	}

	dtypes := make([]string, 0, len(s.DTypes))
	for dt, n := range s.DTypes {
		dtypes = append(dtypes, fmt.Sprintf("%s×%d", dt, n))
	}
	sort.Strings(dtypes)
	fmt.Printf("\ndtypes: %s\n", strings.Join(dtypes, " "))

	if len(s.Metadata) > 0 {
		keys := make([]string, 0, len(s.Metadata))
		for k := range s.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Println("\nmetadata:")
		for _, k := range keys {
			fmt.Printf("  %s: %s\n", k, s.Metadata[k])
		}
	}
	if raw := s.Metadata[inference.MetadataGenerationConfig]; raw != "" {
		fmt.Println("\nthis checkpoint carries generation defaults")
	}
}

func printTensors(path string) error {
	f, err := safetensors.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	fmt.Println("\ntensors:")
	for _, name := range f.Names() {
		info := f.Tensors[name]
		fmt.Printf("  %-48s %-5s %v\n", name, info.DType, info.Shape)
	}
	return nil
}
