package txn

import (
	"fmt"
	"strings"
)

type Status uint8

const (
	StatusNew Status = iota
	StatusBeginStarted
	StatusBegun
	StatusPrepareStarted
	StatusPrepared
	StatusCommitStarted
	StatusCommitted
	StatusRollbackStarted
	StatusRolledBack
)

var statusNames = [...]string{
	StatusNew:             "NEW",
	StatusBeginStarted:    "BEGIN_STARTED",
	StatusBegun:           "BEGUN",
	StatusPrepareStarted:  "PREPARE_STARTED",
	StatusPrepared:        "PREPARED",
	StatusCommitStarted:   "COMMIT_STARTED",
	StatusCommitted:       "COMMITTED",
	StatusRollbackStarted: "ROLLBACK_STARTED",
	StatusRolledBack:      "ROLLED_BACK",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("STATUS(%d)", uint8(s))
}

func ParseStatus(name string) (Status, error) {
	for i, n := range statusNames {
		if strings.EqualFold(n, name) {
			return Status(i), nil
		}
	}
	return 0, fmt.Errorf("unknown status %q", name)
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) (err error) {
	*s, err = ParseStatus(string(b))
	return err
}

// Terminal statuses need no further work after a restart.
func (s Status) Terminal() bool {
	return s == StatusCommitted || s == StatusRolledBack
}

// Decided statuses may only move forward to COMMITTED.
func (s Status) Decided() bool {
	return s == StatusPrepared || s == StatusCommitStarted || s == StatusCommitted
}

// Outcome is what a participant knows about a transaction.
type Outcome uint8

const (
	OutcomeUnknown Outcome = iota
	OutcomeActive
	OutcomePrepared
	OutcomeCommitted
	OutcomeRolledBack
)

var outcomeNames = [...]string{
	OutcomeUnknown:    "unknown",
	OutcomeActive:     "active",
	OutcomePrepared:   "prepared",
	OutcomeCommitted:  "committed",
	OutcomeRolledBack: "rolled_back",
}

func (o Outcome) String() string {
	if int(o) < len(outcomeNames) {
		return outcomeNames[o]
	}
	return fmt.Sprintf("outcome(%d)", uint8(o))
}

func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

func (o *Outcome) UnmarshalText(b []byte) error {
	for i, n := range outcomeNames {
		if n == string(b) {
			*o = Outcome(i)
			return nil
		}
	}
	return fmt.Errorf("unknown outcome %q", b)
}
