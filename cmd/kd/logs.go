package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/cobra"
)

func newLogsCmd() *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:   "logs [task]",
		Short: "Print (or follow) harness and agent logs for the current branch",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			branch, err := a.branchSlug()
			if err != nil {
				return err
			}
			dir := a.layout.LogsDir(branch)
			if len(args) == 1 {
				dir = filepath.Join(dir, "peasant-"+args[0])
			}
			path, err := newestLog(dir)
			if err != nil {
				return err
			}
			fmt.Fprintln(os.Stderr, gray(path))
			if follow {
				return tailFile(path)
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(data)
			return err
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing as the log grows")
	return cmd
}

// newestLog picks the most recently modified log file under dir, recursing
// one level into per-task directories.
func newestLog(dir string) (string, error) {
	var paths []string
	for _, pattern := range []string{"*.log", "*.jsonl", "*/*.log", "*/*.jsonl"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return "", err
		}
		paths = append(paths, matches...)
	}
	if len(paths) == 0 {
		return "", fmt.Errorf("no logs under %s", dir)
	}
	sort.Slice(paths, func(i, j int) bool {
		fi, _ := os.Stat(paths[i])
		fj, _ := os.Stat(paths[j])
		if fi == nil || fj == nil {
			return false
		}
		return fi.ModTime().After(fj.ModTime())
	})
	return paths[0], nil
}

// tailFile streams a file to stdout as it grows. A shrink means the file was
// recreated; reading restarts from the top.
func tailFile(path string) error {
	var offset int64
	for {
		info, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				offset = 0
				time.Sleep(250 * time.Millisecond)
				continue
			}
			return err
		}
		if info.Size() < offset {
			offset = 0
		}
		if info.Size() > offset {
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			if _, err := f.Seek(offset, 0); err != nil {
				f.Close()
				return err
			}
			n, err := io.Copy(os.Stdout, f)
			f.Close()
			if err != nil {
				return err
			}
			offset += n
		}
		time.Sleep(250 * time.Millisecond)
	}
}
