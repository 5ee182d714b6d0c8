package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"agentbridge/internal/domain"
	"agentbridge/internal/infra/paths"
)

// RepairReport lists what Repair found and did.
type RepairReport struct {
	Present  []string         // already in the local installation
	Restored []paths.Resolved // copied from the global installation
}

// Notices returns the fallback notice for every restored file.
func (r RepairReport) Notices() []string {
	out := make([]string, 0, len(r.Restored))
	for _, res := range r.Restored {
		out = append(out, fmt.Sprintf("%s missing locally, restored from global copy %s", res.Name, res.Path))
	}
	return out
}

// Repair copies required bridge files missing from the local installation
// out of the global one. Files absent from both make the repair fail with
// ErrRepairImpossible after everything restorable has been copied.
func (s *Supervisor) Repair(ctx context.Context) (RepairReport, error) {
	var rep RepairReport
	if s.paths == nil {
		return rep, domain.NewSubSystemError("supervisor", "Supervisor.Repair", domain.ErrRepairImpossible, "no installation paths configured")
	}
	if info, err := os.Stat(s.paths.GlobalDir); err != nil || !info.IsDir() {
		return rep, domain.NewSubSystemError("supervisor", "Supervisor.Repair", domain.ErrRepairImpossible,
			"global installation "+s.paths.GlobalDir+" does not exist")
	}

	var unrecoverable []string
	for _, name := range s.required {
		res, err := s.paths.Resolve(name)
		switch {
		case errors.Is(err, domain.ErrFileNotFound):
			unrecoverable = append(unrecoverable, name)
			continue
		case err != nil:
			return rep, err
		case !res.Fallback:
			rep.Present = append(rep.Present, name)
			continue
		}

		dst := filepath.Join(s.paths.LocalDir, name)
		if err := copyFile(res.Path, dst); err != nil {
			return rep, fmt.Errorf("supervisor: restore %s: %w", name, err)
		}
		rep.Restored = append(rep.Restored, res)
		s.logger.Info("restored bridge file from global installation", "file", name, "from", res.Path, "to", dst)
		if s.log != nil {
			s.log.Append(ctx, domain.LogEntry{
				Kind:    domain.LogLifecycle,
				Outcome: "repaired",
				Detail:  map[string]string{"file": name, "from": res.Path},
			})
		}
	}

	if len(unrecoverable) > 0 {
		return rep, domain.NewSubSystemError("supervisor", "Supervisor.Repair", domain.ErrRepairImpossible,
			fmt.Sprintf("missing in both installations: %s", strings.Join(unrecoverable, ", ")))
	}
	return rep, nil
}

// repairBeforeStart restores missing local files once per start. Failure
// only warns: the hub can still run from the global configuration.
func (s *Supervisor) repairBeforeStart(ctx context.Context) {
	if s.paths == nil || len(s.required) == 0 {
		return
	}
	if _, err := os.Stat(s.paths.LocalDir); err != nil {
		return
	}
	if len(s.paths.Missing(s.required)) == 0 {
		return
	}
	rep, err := s.Repair(ctx)
	for _, n := range rep.Notices() {
		s.logger.Warn(n)
	}
	if err != nil {
		s.logger.Warn("pre-start repair incomplete", "error", err)
	}
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}
