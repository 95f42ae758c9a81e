package litedb

import (
	"fmt"
	"time"

	"litedb/storage"
)

// Pragma names understood by Engine.Pragma/SetPragma, one per
// storage.Pragmas field (§3: "Mutating pragmas is a transactional write on
// page 0").
const (
	PragmaCollation           = "collation"
	PragmaTimeout             = "timeout"
	PragmaUserVersion         = "userVersion"
	PragmaCheckpointThreshold = "checkpointThreshold"
	PragmaUTCDate             = "utcDate"
	PragmaLimitSize           = "limitSize"
)

// Pragma reads a header pragma by name.
func (e *Engine) Pragma(name string) (interface{}, error) {
	e.mu.Lock()
	p := e.header.Pragmas
	e.mu.Unlock()

	switch name {
	case PragmaCollation:
		return p.Collation, nil
	case PragmaTimeout:
		return p.Timeout, nil
	case PragmaUserVersion:
		return p.UserVersion, nil
	case PragmaCheckpointThreshold:
		return p.CheckpointThreshold, nil
	case PragmaUTCDate:
		return p.UTCDate, nil
	case PragmaLimitSize:
		return p.LimitSize, nil
	default:
		return nil, newError(InvalidExpression, "pragma: unknown name "+name, nil)
	}
}

// SetPragma mutates a header pragma as a one-page write transaction against
// page 0, the header page (§3). The engine lock is held exclusively for the
// duration; no collection lock is needed since page 0 belongs to no
// collection.
func (e *Engine) SetPragma(name string, value interface{}) error {
	if e.readOnly {
		return newError(InvalidTransactionState, "set pragma", fmt.Errorf("engine is read-only"))
	}
	if err := e.lockSvc.AcquireEngine(true, e.timeout()); err != nil {
		return newError(LockTimeout, "set pragma: engine lock", err)
	}
	defer e.lockSvc.ReleaseEngine(true)

	e.mu.Lock()
	defer e.mu.Unlock()

	switch name {
	case PragmaCollation:
		c, ok := value.(storage.Collation)
		if !ok {
			return newError(InvalidExpression, "set pragma: collation expects storage.Collation", nil)
		}
		e.header.Pragmas.Collation = c
	case PragmaTimeout:
		d, ok := value.(time.Duration)
		if !ok {
			return newError(InvalidExpression, "set pragma: timeout expects time.Duration", nil)
		}
		e.header.Pragmas.Timeout = d
	case PragmaUserVersion:
		v, ok := value.(int64)
		if !ok {
			return newError(InvalidExpression, "set pragma: userVersion expects int64", nil)
		}
		e.header.Pragmas.UserVersion = v
	case PragmaCheckpointThreshold:
		v, ok := value.(int32)
		if !ok {
			return newError(InvalidExpression, "set pragma: checkpointThreshold expects int32", nil)
		}
		e.header.Pragmas.CheckpointThreshold = v
	case PragmaUTCDate:
		v, ok := value.(bool)
		if !ok {
			return newError(InvalidExpression, "set pragma: utcDate expects bool", nil)
		}
		e.header.Pragmas.UTCDate = v
	case PragmaLimitSize:
		v, ok := value.(int64)
		if !ok {
			return newError(InvalidExpression, "set pragma: limitSize expects int64", nil)
		}
		e.header.Pragmas.LimitSize = v
	default:
		return newError(InvalidExpression, "set pragma: unknown name "+name, nil)
	}

	if err := e.disk.WriteDataBlock(e.header.Encode()); err != nil {
		return newError(FileIO, "set pragma: persist header", err)
	}
	if err := e.disk.SyncData(); err != nil {
		return newError(FileIO, "set pragma: sync header", err)
	}
	return nil
}
