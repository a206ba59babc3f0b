package main

import (
	"database/sql"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

const (
	// visitLeaseFactor times the attempt timeout is how far a handed-out
	// node's next visit is pushed so the control loop cannot reissue it
	// while it is still in flight
	visitLeaseFactor = 3

	// maxBackoff caps the exponential retry delay for unreachable nodes
	maxBackoff = 24 * time.Hour
)

const schema = `
CREATE TABLE IF NOT EXISTS nodes (
	id            INTEGER PRIMARY KEY,
	ip            TEXT    NOT NULL,
	port          INTEGER NOT NULL,
	next_visit    INTEGER NOT NULL,
	last_visit    INTEGER,
	visits_missed INTEGER NOT NULL DEFAULT 0,
	UNIQUE (ip, port)
);
CREATE INDEX IF NOT EXISTS nodes_next_visit ON nodes (next_visit);
`

// nodeStore is the crawl frontier: every peer we have heard of and when each
// is next due a visit. All writes come from the control goroutine; sqlite
// itself is held to a single connection.
type nodeStore struct {
	db  *sql.DB
	cfg *NetworkConfig
	log *log.Entry
}

func openStore(cfg *NetworkConfig) (*nodeStore, error) {
	db, err := sql.Open("sqlite", cfg.DBPath+"?mode=rwc")
	if err != nil {
		return nil, fmt.Errorf("cannot open node store: %w", err)
	}

	// sqlite supports one writer; serialize everything through one connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("cannot enable WAL: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("cannot create schema: %w", err)
	}

	return &nodeStore{db: db, cfg: cfg, log: cfg.log}, nil
}

func (s *nodeStore) close() error {
	return s.db.Close()
}

// dropAndCreateTables resets all persisted crawl state. Used at crawl start
// only, never by the running loop.
func (s *nodeStore) dropAndCreateTables() error {
	if _, err := s.db.Exec("DROP TABLE IF EXISTS nodes"); err != nil {
		return fmt.Errorf("cannot drop tables: %w", err)
	}
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("cannot create tables: %w", err)
	}
	return nil
}

// insertNodes persists newly seen nodes, deduplicating on (ip, port).
func (s *nodeStore) insertNodes(nodes []Node) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT OR IGNORE INTO nodes (ip, port, next_visit) VALUES (?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, nd := range nodes {
		next := nd.NextVisit
		if next.IsZero() {
			next = time.Now()
		}
		if _, err := stmt.Exec(nd.IP, nd.Port, next.Unix()); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// nextNodes returns up to n nodes due a visit, oldest first, and leases each
// one forward so it cannot be handed out twice while in flight.
func (s *nodeStore) nextNodes(n int) ([]Node, error) {
	now := time.Now()

	rows, err := s.db.Query(`
		SELECT id, ip, port, next_visit, visits_missed FROM nodes
		WHERE next_visit <= ? ORDER BY next_visit LIMIT ?`, now.Unix(), n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []Node
	for rows.Next() {
		var nd Node
		var next int64
		if err := rows.Scan(&nd.ID, &nd.IP, &nd.Port, &next, &nd.VisitsMissed); err != nil {
			return nil, err
		}
		nd.NextVisit = time.Unix(next, 0)
		nodes = append(nodes, nd)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(nodes) == 0 {
		return nil, nil
	}

	lease := now.Add(s.cfg.timeout() * visitLeaseFactor).Unix()
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	for _, nd := range nodes {
		if _, err := tx.Exec(`UPDATE nodes SET next_visit = ? WHERE id = ?`, lease, nd.ID); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return nodes, nil
}

// processCrawlerOutputs records one batch of finished attempts in a single
// transaction: discovered nodes are inserted and each visited node is
// rescheduled. A completed handshake counts as a visit; anything else is a
// miss and backs the node off exponentially.
func (s *nodeStore) processCrawlerOutputs(attempts []*attempt) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	insert, err := tx.Prepare(`INSERT OR IGNORE INTO nodes (ip, port, next_visit) VALUES (?, ?, ?)`)
	if err != nil {
		return err
	}
	defer insert.Close()

	visited, err := tx.Prepare(`UPDATE nodes SET last_visit = ?, next_visit = ?, visits_missed = 0 WHERE id = ?`)
	if err != nil {
		return err
	}
	defer visited.Close()

	missed, err := tx.Prepare(`UPDATE nodes SET next_visit = ?, visits_missed = visits_missed + 1 WHERE id = ?`)
	if err != nil {
		return err
	}
	defer missed.Close()

	now := time.Now()
	for _, a := range attempts {
		for _, nd := range a.discovered {
			if _, err := insert.Exec(nd.IP, nd.Port, now.Unix()); err != nil {
				return err
			}
		}

		if a.peerVersion != nil {
			_, err = visited.Exec(now.Unix(), now.Add(s.cfg.revisitInterval()).Unix(), a.node.ID)
		} else {
			_, err = missed.Exec(now.Add(missBackoff(s.cfg.retryInterval(), a.node.VisitsMissed+1)).Unix(), a.node.ID)
		}
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// missBackoff doubles the retry delay per consecutive miss, capped so nodes
// are never lost entirely.
func missBackoff(retry time.Duration, misses int) time.Duration {
	if misses > 16 {
		return maxBackoff
	}
	d := retry << uint(misses-1)
	if d > maxBackoff || d <= 0 {
		return maxBackoff
	}
	return d
}

func (s *nodeStore) nodesVisited() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM nodes WHERE last_visit IS NOT NULL`).Scan(&n)
	return n, err
}

func (s *nodeStore) nodesTotal() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM nodes`).Scan(&n)
	return n, err
}
