// Package results writes experiment artifacts under a fixed directory, one
// namespace per (controller, mode), and keeps a sqlite catalog of the latest
// run in each namespace.
package results

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/NodePath81/ccbench/internal/errdefs"
	"github.com/NodePath81/ccbench/internal/model"
	"github.com/NodePath81/ccbench/internal/util"
	_ "github.com/mattn/go-sqlite3"
)

const (
	dbFileName = "results.db"

	KindIperf    = "iperf.json"
	KindPing     = "ping.txt"
	manifestKind = "run.json"

	StatusComplete = "complete"
	StatusPartial  = "partial"
)

// FileName is the artifact name for one protocol and report kind.
func FileName(c model.Controller, m model.Mode, p model.Protocol, kind string) string {
	return fmt.Sprintf("%s_%s_%s_%s", c, m, p, kind)
}

// ManifestName is the per-namespace run manifest.
func ManifestName(c model.Controller, m model.Mode) string {
	return fmt.Sprintf("%s_%s_%s", c, m, manifestKind)
}

type Manifest struct {
	ID         string              `json:"id"`
	Controller model.Controller    `json:"controller"`
	Mode       model.Mode          `json:"mode"`
	Status     string              `json:"status"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt time.Time           `json:"finished_at"`
	Protocols  []model.Protocol    `json:"protocols"`
	Error      string              `json:"error,omitempty"`
	Trials     []model.TrialResult `json:"trials"`
}

type Store struct {
	dir    string
	db     *sql.DB
	logger util.Logger
}

// Open creates dir if needed and opens its catalog.
func Open(dir string, logger util.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create results dir: %v", errdefs.ErrPersistence, err)
	}
	db, err := sql.Open("sqlite3", filepath.Join(dir, dbFileName)+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("%w: open catalog: %v", errdefs.ErrPersistence, err)
	}
	db.SetMaxOpenConns(1)
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: migrate catalog: %v", errdefs.ErrPersistence, err)
	}
	return &Store{dir: dir, db: db, logger: logger}, nil
}

func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) Close() error {
	return s.db.Close()
}

type stagedFile struct {
	tmp   string
	final string
}

// Persist writes every completed trial of run. Files are staged under
// temporary names and renamed into place only after all of them were
// written and the catalog rows are ready, so a failed write leaves the
// previous artifacts untouched. Artifacts of protocols missing from run are
// removed from the namespace.
func (s *Store) Persist(run *model.ExperimentRun) error {
	if run == nil || !run.Controller.Valid() || !run.Mode.Valid() {
		return fmt.Errorf("%w: run has no valid controller/mode", errdefs.ErrPersistence)
	}
	if len(run.Trials) == 0 {
		return fmt.Errorf("%w: run %s has no trials", errdefs.ErrPersistence, run.ID)
	}

	manifest := buildManifest(run)
	raw, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode manifest: %v", errdefs.ErrPersistence, err)
	}

	var staged []stagedFile
	cleanup := func() {
		for _, f := range staged {
			_ = os.Remove(f.tmp)
		}
	}
	stage := func(name string, data []byte) error {
		final := filepath.Join(s.dir, name)
		tmp, err := os.CreateTemp(s.dir, "."+name+".tmp-*")
		if err != nil {
			return err
		}
		staged = append(staged, stagedFile{tmp: tmp.Name(), final: final})
		if _, err := tmp.Write(data); err != nil {
			_ = tmp.Close()
			return err
		}
		if err := tmp.Sync(); err != nil {
			_ = tmp.Close()
			return err
		}
		return tmp.Close()
	}

	keep := make(map[string]struct{})
	for _, t := range run.Trials {
		iperf := FileName(run.Controller, run.Mode, t.Protocol, KindIperf)
		ping := FileName(run.Controller, run.Mode, t.Protocol, KindPing)
		keep[iperf], keep[ping] = struct{}{}, struct{}{}
		if err := stage(iperf, t.TrafficReport); err != nil {
			cleanup()
			return fmt.Errorf("%w: stage %s: %v", errdefs.ErrPersistence, iperf, err)
		}
		if err := stage(ping, []byte(t.ProbeReport)); err != nil {
			cleanup()
			return fmt.Errorf("%w: stage %s: %v", errdefs.ErrPersistence, ping, err)
		}
	}
	if err := stage(ManifestName(run.Controller, run.Mode), raw); err != nil {
		cleanup()
		return fmt.Errorf("%w: stage manifest: %v", errdefs.ErrPersistence, err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		cleanup()
		return fmt.Errorf("%w: begin: %v", errdefs.ErrPersistence, err)
	}
	if err := writeCatalog(tx, manifest); err != nil {
		_ = tx.Rollback()
		cleanup()
		return fmt.Errorf("%w: catalog: %v", errdefs.ErrPersistence, err)
	}
	for i, f := range staged {
		if err := os.Rename(f.tmp, f.final); err != nil {
			_ = tx.Rollback()
			cleanup()
			return fmt.Errorf("%w: rename %s (%d of %d in place): %v",
				errdefs.ErrPersistence, filepath.Base(f.final), i, len(staged), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", errdefs.ErrPersistence, err)
	}

	for _, p := range model.Protocols() {
		for _, kind := range []string{KindIperf, KindPing} {
			name := FileName(run.Controller, run.Mode, p, kind)
			if _, ok := keep[name]; ok {
				continue
			}
			if err := os.Remove(filepath.Join(s.dir, name)); err == nil {
				s.logger.Info("removed stale result", "file", name)
			} else if !errors.Is(err, os.ErrNotExist) {
				s.logger.Warn("remove stale result failed", "file", name, "error", err)
			}
		}
	}
	s.logger.Info("results persisted", "dir", s.dir, "controller", run.Controller.String(),
		"mode", run.Mode.String(), "status", manifest.Status, "trials", len(run.Trials))
	return nil
}

func buildManifest(run *model.ExperimentRun) Manifest {
	m := Manifest{
		ID:         run.ID,
		Controller: run.Controller,
		Mode:       run.Mode,
		Status:     StatusComplete,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
		Trials:     run.Trials,
	}
	if run.Status != model.RunComplete {
		m.Status = StatusPartial
	}
	if run.Err != nil {
		m.Error = run.Err.Error()
	}
	for _, t := range run.Trials {
		m.Protocols = append(m.Protocols, t.Protocol)
	}
	return m
}

// LoadManifest reads the manifest of one namespace.
func (s *Store) LoadManifest(c model.Controller, m model.Mode) (Manifest, error) {
	raw, err := os.ReadFile(filepath.Join(s.dir, ManifestName(c, m)))
	if err != nil {
		return Manifest{}, err
	}
	var out Manifest
	if err := json.Unmarshal(raw, &out); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	return out, nil
}

func protocolsString(ps []model.Protocol) string {
	names := make([]string, len(ps))
	for i, p := range ps {
		names[i] = p.String()
	}
	return strings.Join(names, ",")
}
