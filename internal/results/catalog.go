package results

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/NodePath81/ccbench/internal/errdefs"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	controller   TEXT NOT NULL,
	mode         TEXT NOT NULL,
	id           TEXT NOT NULL,
	status       TEXT NOT NULL,
	protocols    TEXT NOT NULL,
	started_at   INTEGER NOT NULL,
	finished_at  INTEGER NOT NULL,
	error        TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (controller, mode)
);
CREATE TABLE IF NOT EXISTS trials (
	controller          TEXT NOT NULL,
	mode                TEXT NOT NULL,
	protocol            TEXT NOT NULL,
	run_id              TEXT NOT NULL,
	attempts            INTEGER NOT NULL,
	captured_at         INTEGER NOT NULL,
	throughput_bps      REAL NOT NULL,
	loss_percent        REAL NOT NULL,
	jitter_ms           REAL NOT NULL,
	retransmits         INTEGER NOT NULL,
	probe_loss_percent  REAL NOT NULL,
	rtt_avg_ms          REAL NOT NULL,
	PRIMARY KEY (controller, mode, protocol)
);
`

func migrate(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}

func writeCatalog(tx *sql.Tx, m Manifest) error {
	c, mode := m.Controller.String(), m.Mode.String()
	if _, err := tx.Exec(`
INSERT INTO runs (controller, mode, id, status, protocols, started_at, finished_at, error)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(controller, mode) DO UPDATE SET
	id = excluded.id,
	status = excluded.status,
	protocols = excluded.protocols,
	started_at = excluded.started_at,
	finished_at = excluded.finished_at,
	error = excluded.error`,
		c, mode, m.ID, m.Status, protocolsString(m.Protocols),
		m.StartedAt.UnixMilli(), m.FinishedAt.UnixMilli(), m.Error); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM trials WHERE controller = ? AND mode = ?`, c, mode); err != nil {
		return err
	}
	for _, t := range m.Trials {
		if _, err := tx.Exec(`
INSERT INTO trials (controller, mode, protocol, run_id, attempts, captured_at, throughput_bps,
	loss_percent, jitter_ms, retransmits, probe_loss_percent, rtt_avg_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c, mode, t.Protocol.String(), m.ID, t.Attempts, t.CapturedAt.UnixMilli(), t.ThroughputBps,
			t.LossPercent, t.JitterMs, t.Retransmits, t.Probe.LossPercent, t.Probe.AvgMs); err != nil {
			return err
		}
	}
	return nil
}

// Summary is one catalog row: the latest trial of a protocol in a namespace.
type Summary struct {
	Controller       string
	Mode             string
	Protocol         string
	RunID            string
	Status           string
	Attempts         int
	CapturedAt       time.Time
	ThroughputBps    float64
	LossPercent      float64
	JitterMs         float64
	Retransmits      int64
	ProbeLossPercent float64
	RTTAvgMs         float64
}

// Summaries lists every trial in the catalog ordered by controller, mode
// and trial order.
func (s *Store) Summaries() ([]Summary, error) {
	rows, err := s.db.Query(`
SELECT t.controller, t.mode, t.protocol, t.run_id, r.status, t.attempts, t.captured_at,
	t.throughput_bps, t.loss_percent, t.jitter_ms, t.retransmits, t.probe_loss_percent, t.rtt_avg_ms
FROM trials t JOIN runs r ON r.controller = t.controller AND r.mode = t.mode
ORDER BY t.controller, t.mode, t.captured_at`)
	if err != nil {
		return nil, fmt.Errorf("%w: query summaries: %v", errdefs.ErrPersistence, err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sm Summary
		var captured int64
		if err := rows.Scan(&sm.Controller, &sm.Mode, &sm.Protocol, &sm.RunID, &sm.Status, &sm.Attempts, &captured,
			&sm.ThroughputBps, &sm.LossPercent, &sm.JitterMs, &sm.Retransmits, &sm.ProbeLossPercent, &sm.RTTAvgMs); err != nil {
			return nil, fmt.Errorf("%w: scan summary: %v", errdefs.ErrPersistence, err)
		}
		sm.CapturedAt = time.UnixMilli(captured).UTC()
		out = append(out, sm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: read summaries: %v", errdefs.ErrPersistence, err)
	}
	return out, nil
}
