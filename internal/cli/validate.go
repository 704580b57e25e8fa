package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"cruisectl/internal/control"
	"cruisectl/internal/cruise"
	"cruisectl/internal/storage"
)

// FileResult is the validate outcome for one file.
type FileResult struct {
	Path   string `json:"path"`
	Cruise string `json:"cruise,omitempty"`
	Valid  bool   `json:"valid"`
	Error  string `json:"error,omitempty"`
}

// ErrInvalidFiles is returned when at least one file failed validation.
var ErrInvalidFiles = errors.New("invalid cruise definitions")

func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE...",
		Short: "Parse and validate cruise definitions",
		Long: `Parse each JSON or YAML cruise definition and check every mode and
logger reference, without starting the control plane.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			results := make([]FileResult, 0, len(args))
			failed := 0
			for _, path := range args {
				r := validateFile(cmd.Context(), path)
				if !r.Valid {
					failed++
				}
				results = append(results, r)
			}

			out := cmd.OutOrStdout()
			if rootOpts.Format == "json" {
				if err := writeJSON(out, results); err != nil {
					return err
				}
			} else {
				for _, r := range results {
					if r.Valid {
						fmt.Fprintf(out, "ok    %s (%s)\n", r.Path, r.Cruise)
					} else {
						fmt.Fprintf(out, "FAIL  %s: %s\n", r.Path, r.Error)
					}
				}
			}
			if failed > 0 {
				return fmt.Errorf("%w: %d of %d", ErrInvalidFiles, failed, len(results))
			}
			return nil
		},
	}
}

func validateFile(ctx context.Context, path string) FileResult {
	r := FileResult{Path: path}
	srv, id, err := loadInto(ctx, path)
	if srv != nil {
		defer srv.Close()
	}
	if err != nil {
		r.Error = err.Error()
		return r
	}
	r.Cruise, r.Valid = id, true
	return r
}

// scratch is a throwaway memory-backed control server.
type scratch struct {
	*control.Server
	store storage.Backend
}

func (s *scratch) Close() { _ = s.store.Close() }

// loadInto installs the definition at path into a fresh in-memory control
// server, running the same validation LoadCruise does when serving.
func loadInto(ctx context.Context, path string) (*scratch, string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	def, err := cruise.LoadFile(path)
	if err != nil {
		return nil, "", err
	}
	store := storage.NewMemory()
	srv := &scratch{Server: control.New(store), store: store}
	id, err := srv.LoadCruise(ctx, def)
	if err != nil {
		return srv, "", err
	}
	return srv, id, nil
}
