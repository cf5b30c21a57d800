// Package storagetest provides an in-memory stand-in for target storage.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/waveyops/ledgerwatch/storage"
)

// Statement is one executed statement.
type Statement struct {
	SQL  string
	Args []interface{}
}

// Is reports whether the statement's SQL contains fragment.
func (s Statement) Is(fragment string) bool {
	return strings.Contains(s.SQL, fragment)
}

// NaturalKeys lists the unique columns of each table, mirroring the
// constraints in storage/migrations.
var NaturalKeys = map[string][]string{
	"resupply_proposals": {"proposal_id", "voter_address"},
	"resupply_votes":     {"txn_hash", "log_index"},
	"governance_events":  {"txn_hash", "log_index"},
	"incentives":         {"protocol", "transaction_hash", "log_index"},
	"incentive_periods":  {"protocol", "period_start"},
	"stakes":             {"txn_hash", "log_index"},
	"rewards":            {"txn_hash", "log_index"},
	"crv_ll_harvests":    {"txn_hash", "profit_raw", "compounder"},
	"weight_changes":     {"txn_hash", "log_index"},
	"curve_gauge_votes":  {"txn_hash", "log_index"},
}

// Store records committed statements. An INSERT into a table listed in
// NaturalKeys is unique by those columns; any other INSERT is unique by
// its full argument list. Upserts (ON CONFLICT) never collide.
type Store struct {
	mu        sync.Mutex
	committed []Statement
	inserted  map[string]bool

	// ExecHook, when set, can fail or override the rows affected of a
	// statement. Returning rows < 0 keeps the default of 1.
	ExecHook func(sql string, args []interface{}) (rows int64, err error)

	// QueryRowHook answers QueryRow calls inside transactions.
	QueryRowHook func(sql string, args []interface{}) pgx.Row

	// BeginErr fails every Begin.
	BeginErr error
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{inserted: map[string]bool{}}
}

// Begin implements writer.Beginner.
func (s *Store) Begin(context.Context) (storage.Tx, error) {
	if s.BeginErr != nil {
		return nil, s.BeginErr
	}
	return &Tx{store: s, pendingKeys: map[string]bool{}}, nil
}

// Committed returns a copy of all committed statements.
func (s *Store) Committed() []Statement {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Statement(nil), s.committed...)
}

// CommittedMatching returns committed statements containing fragment.
func (s *Store) CommittedMatching(fragment string) []Statement {
	var out []Statement
	for _, st := range s.Committed() {
		if st.Is(fragment) {
			out = append(out, st)
		}
	}
	return out
}

var insertPattern = regexp.MustCompile(`(?is)^\s*INSERT\s+INTO\s+(\w+)\s*\(([^)]*)\)\s*VALUES\s*\(([^)]*)\)`)

// insertKey identifies an INSERT by the natural key of its table, or by
// its statement and argument values when the table has none.
func insertKey(sql string, args []interface{}) string {
	if m := insertPattern.FindStringSubmatch(sql); m != nil {
		if cols, ok := NaturalKeys[m[1]]; ok {
			if key, ok := naturalKey(m[1], cols, splitList(m[2]), splitList(m[3]), args); ok {
				return key
			}
		}
	}
	var b strings.Builder
	b.WriteString(strings.Join(strings.Fields(sql), " "))
	for _, a := range args {
		fmt.Fprintf(&b, "|%v", deref(a))
	}
	return b.String()
}

func naturalKey(table string, keyCols, cols, values []string, args []interface{}) (string, bool) {
	if len(cols) != len(values) {
		return "", false
	}
	byCol := make(map[string]string, len(cols))
	for i, c := range cols {
		byCol[c] = values[i]
	}
	var b strings.Builder
	b.WriteString(table)
	for _, c := range keyCols {
		expr, ok := byCol[c]
		if !ok {
			return "", false
		}
		if strings.HasPrefix(expr, "$") {
			n, err := strconv.Atoi(expr[1:])
			if err != nil || n < 1 || n > len(args) {
				return "", false
			}
			fmt.Fprintf(&b, "|%s=%v", c, deref(args[n-1]))
			continue
		}
		fmt.Fprintf(&b, "|%s=%s", c, expr)
	}
	return b.String(), true
}

func splitList(list string) []string {
	parts := strings.Split(list, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}

// deref compares pointers by what they point to.
func deref(a interface{}) interface{} {
	v := reflect.ValueOf(a)
	for v.Kind() == reflect.Ptr && !v.IsNil() {
		v = v.Elem()
	}
	if !v.IsValid() {
		return nil
	}
	return v.Interface()
}

// UniqueViolation is the error returned for a repeated INSERT.
func UniqueViolation() error {
	return &pgconn.PgError{Code: pgerrcode.UniqueViolation, Message: "duplicate key value violates unique constraint"}
}

// Tx is a transaction against a Store. It supports the SAVEPOINT,
// ROLLBACK TO SAVEPOINT and RELEASE SAVEPOINT statements.
type Tx struct {
	store       *Store
	pending     []Statement
	pendingKeys map[string]bool
	savepoints  []savepoint
	done        bool
	aborted     bool
}

type savepoint struct {
	name    string
	pending int
	keys    map[string]bool
}

var _ storage.Tx = (*Tx)(nil)

var (
	errTxDone  = errors.New("tx is closed")
	errAborted = errors.New("current transaction is aborted")
)

// execSavepoint handles savepoint statements. ok is false for any other
// statement.
func (tx *Tx) execSavepoint(sql string) (tag pgconn.CommandTag, ok bool, err error) {
	fields := strings.Fields(strings.ToUpper(sql))
	switch {
	case len(fields) == 2 && fields[0] == "SAVEPOINT":
		if tx.aborted {
			return tag, true, errAborted
		}
		keys := make(map[string]bool, len(tx.pendingKeys))
		for k := range tx.pendingKeys {
			keys[k] = true
		}
		tx.savepoints = append(tx.savepoints, savepoint{name: fields[1], pending: len(tx.pending), keys: keys})
		return pgconn.NewCommandTag("SAVEPOINT"), true, nil
	case len(fields) == 4 && fields[0] == "ROLLBACK" && fields[1] == "TO" && fields[2] == "SAVEPOINT":
		i := tx.findSavepoint(fields[3])
		if i < 0 {
			return tag, true, fmt.Errorf("savepoint %q does not exist", fields[3])
		}
		sp := tx.savepoints[i]
		tx.savepoints = tx.savepoints[:i+1]
		tx.pending = tx.pending[:sp.pending]
		tx.pendingKeys = make(map[string]bool, len(sp.keys))
		for k := range sp.keys {
			tx.pendingKeys[k] = true
		}
		tx.aborted = false
		return pgconn.NewCommandTag("ROLLBACK"), true, nil
	case len(fields) == 3 && fields[0] == "RELEASE" && fields[1] == "SAVEPOINT":
		if tx.aborted {
			return tag, true, errAborted
		}
		i := tx.findSavepoint(fields[2])
		if i < 0 {
			return tag, true, fmt.Errorf("savepoint %q does not exist", fields[2])
		}
		tx.savepoints = tx.savepoints[:i]
		return pgconn.NewCommandTag("RELEASE"), true, nil
	}
	return tag, false, nil
}

func (tx *Tx) findSavepoint(name string) int {
	for i := len(tx.savepoints) - 1; i >= 0; i-- {
		if tx.savepoints[i].name == name {
			return i
		}
	}
	return -1
}

// Exec implements storage.Tx.
func (tx *Tx) Exec(_ context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	if tx.done {
		return pgconn.CommandTag{}, errTxDone
	}
	if tag, ok, err := tx.execSavepoint(sql); ok {
		return tag, err
	}
	if tx.aborted {
		return pgconn.CommandTag{}, errAborted
	}
	rows := int64(-1)
	if tx.store.ExecHook != nil {
		var err error
		rows, err = tx.store.ExecHook(sql, args)
		if err != nil {
			tx.aborted = true
			return pgconn.CommandTag{}, err
		}
	}
	verb := strings.ToUpper(strings.Fields(sql)[0])
	if verb == "INSERT" && !strings.Contains(strings.ToUpper(sql), "ON CONFLICT") {
		key := insertKey(sql, args)
		tx.store.mu.Lock()
		dup := tx.store.inserted[key] || tx.pendingKeys[key]
		tx.store.mu.Unlock()
		if dup {
			tx.aborted = true
			return pgconn.CommandTag{}, UniqueViolation()
		}
		tx.pendingKeys[key] = true
	}
	if rows < 0 {
		rows = 1
	}
	tx.pending = append(tx.pending, Statement{SQL: sql, Args: args})
	if verb == "INSERT" {
		return pgconn.NewCommandTag(fmt.Sprintf("INSERT 0 %d", rows)), nil
	}
	return pgconn.NewCommandTag(fmt.Sprintf("%s %d", verb, rows)), nil
}

// Query implements storage.Tx. Not supported.
func (tx *Tx) Query(context.Context, string, ...interface{}) (pgx.Rows, error) {
	return nil, errors.New("storagetest: Query not supported")
}

// QueryRow implements storage.Tx via Store.QueryRowHook.
func (tx *Tx) QueryRow(_ context.Context, sql string, args ...interface{}) pgx.Row {
	if tx.store.QueryRowHook == nil {
		return Row{Err: pgx.ErrNoRows}
	}
	return tx.store.QueryRowHook(sql, args)
}

// Commit implements storage.Tx.
func (tx *Tx) Commit(context.Context) error {
	if tx.done {
		return errTxDone
	}
	tx.done = true
	if tx.aborted {
		return pgx.ErrTxCommitRollback
	}
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	tx.store.committed = append(tx.store.committed, tx.pending...)
	for k := range tx.pendingKeys {
		tx.store.inserted[k] = true
	}
	return nil
}

// Rollback implements storage.Tx.
func (tx *Tx) Rollback(context.Context) error {
	tx.done = true
	return nil
}

// Row is a canned pgx.Row.
type Row struct {
	Values []interface{}
	Err    error
}

// Scan copies Values into dest, which must hold matching pointer types.
func (r Row) Scan(dest ...interface{}) error {
	if r.Err != nil {
		return r.Err
	}
	if len(dest) != len(r.Values) {
		return fmt.Errorf("storagetest: scanning %d values into %d targets", len(r.Values), len(dest))
	}
	for i, v := range r.Values {
		if err := assign(dest[i], v); err != nil {
			return fmt.Errorf("column %d: %w", i, err)
		}
	}
	return nil
}

func assign(dest interface{}, v interface{}) error {
	switch d := dest.(type) {
	case *uint64:
		*d = v.(uint64)
	case *int64:
		*d = v.(int64)
	case *bool:
		*d = v.(bool)
	case *string:
		*d = v.(string)
	case **uint64:
		if v == nil {
			*d = nil
		} else {
			x := v.(uint64)
			*d = &x
		}
	case **int64:
		if v == nil {
			*d = nil
		} else {
			x := v.(int64)
			*d = &x
		}
	default:
		return fmt.Errorf("unsupported scan target %T", dest)
	}
	return nil
}
