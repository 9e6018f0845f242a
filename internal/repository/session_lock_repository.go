package repository

import (
	"database/sql"
	"time"
)

// SessionLockRepositoryInterface backs the one-active-campaign-per-session
// invariant with a persistent lease, so it holds even when the API server and
// the dispatch worker run as separate processes.
type SessionLockRepositoryInterface interface {
	Acquire(sessionName string, campaignID int, owner string) (bool, error)
	Release(sessionName, owner string) error
	Refresh(sessionName, owner string) error
	Holder(sessionName string) (campaignID int, held bool, err error)
	ReapStale(ttl time.Duration) (int, error)
}

type SessionLockRepository struct {
	DB *sql.DB
}

func (r *SessionLockRepository) Acquire(sessionName string, campaignID int, owner string) (bool, error) {
	res, err := r.DB.Exec(`
        INSERT INTO session_locks (session_name, campaign_id, owner, acquired_at, refreshed_at)
        VALUES ($1, $2, $3, NOW(), NOW())
        ON CONFLICT (session_name) DO NOTHING`,
		sessionName, campaignID, owner,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *SessionLockRepository) Release(sessionName, owner string) error {
	_, err := r.DB.Exec(
		`DELETE FROM session_locks WHERE session_name=$1 AND owner=$2`,
		sessionName, owner,
	)
	return err
}

func (r *SessionLockRepository) Refresh(sessionName, owner string) error {
	_, err := r.DB.Exec(
		`UPDATE session_locks SET refreshed_at=NOW() WHERE session_name=$1 AND owner=$2`,
		sessionName, owner,
	)
	return err
}

// Holder reports which campaign currently holds the session lease. Lets a
// process that lost the Acquire race tell "my own campaign's dispatcher owns
// this session" apart from "another campaign does".
func (r *SessionLockRepository) Holder(sessionName string) (int, bool, error) {
	var id int
	err := r.DB.QueryRow(
		`SELECT campaign_id FROM session_locks WHERE session_name=$1`,
		sessionName,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// ReapStale drops leases whose holder stopped refreshing, e.g. after a worker
// crash mid-campaign.
func (r *SessionLockRepository) ReapStale(ttl time.Duration) (int, error) {
	res, err := r.DB.Exec(
		`DELETE FROM session_locks WHERE refreshed_at < NOW() - make_interval(secs => $1)`,
		ttl.Seconds(),
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

var _ SessionLockRepositoryInterface = (*SessionLockRepository)(nil)
