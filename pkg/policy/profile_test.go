package policy

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
)

type fakeProfileDB struct {
	calls int
	// responses indexed by call order: tenant-scoped query, global-default
	// query, insert-default query.
	rows []pgx.Row
}

func (f *fakeProfileDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	idx := f.calls
	f.calls++
	if idx >= len(f.rows) {
		return errRow{err: pgx.ErrNoRows}
	}
	return f.rows[idx]
}

type errRow struct{ err error }

func (r errRow) Scan(dest ...any) error { return r.err }

type valuesRow struct {
	values []any
}

func (r valuesRow) Scan(dest ...any) error {
	if len(dest) != len(r.values) {
		return fmt.Errorf("arity mismatch: got=%d want=%d", len(dest), len(r.values))
	}
	for i := range dest {
		switch d := dest[i].(type) {
		case *string:
			*d = r.values[i].(string)
		case **string:
			*d = r.values[i].(*string)
		case *bool:
			*d = r.values[i].(bool)
		case *map[string]interface{}:
			*d = r.values[i].(map[string]interface{})
		default:
			return fmt.Errorf("unsupported dest %T", dest[i])
		}
	}
	return nil
}

func TestActiveProfileUsesTenantSpecificWhenPresent(t *testing.T) {
	tenant := "tenant-a"
	db := &fakeProfileDB{rows: []pgx.Row{
		valuesRow{values: []any{"p-1", &tenant, "custom", "v5", "", "", map[string]interface{}{}, map[string]interface{}{}, true}},
	}}
	s := &ProfileStore{DB: db}
	p, err := s.ActiveProfile(context.Background(), "tenant-a")
	if err != nil {
		t.Fatal(err)
	}
	if p.Name != "custom" || p.TenantID != "tenant-a" {
		t.Fatalf("unexpected profile: %+v", p)
	}
	if db.calls != 1 {
		t.Fatalf("expected single query when tenant profile found, got %d calls", db.calls)
	}
}

func TestActiveProfileFallsBackToGlobalDefault(t *testing.T) {
	db := &fakeProfileDB{rows: []pgx.Row{
		errRow{err: pgx.ErrNoRows},
		valuesRow{values: []any{"p-global", (*string)(nil), "default", "ORIGIN-CORE-v1.0", "", "", map[string]interface{}{}, map[string]interface{}{}, true}},
	}}
	s := &ProfileStore{DB: db}
	p, err := s.ActiveProfile(context.Background(), "tenant-a")
	if err != nil {
		t.Fatal(err)
	}
	if p.Name != "default" || p.TenantID != "" {
		t.Fatalf("unexpected fallback profile: %+v", p)
	}
	if db.calls != 2 {
		t.Fatalf("expected two queries for fallback, got %d", db.calls)
	}
}

func TestActiveProfileCreatesDefaultWhenNoneExists(t *testing.T) {
	db := &fakeProfileDB{rows: []pgx.Row{
		errRow{err: pgx.ErrNoRows},
		errRow{err: pgx.ErrNoRows},
		valuesRow{values: []any{"generated-id"}},
	}}
	s := &ProfileStore{DB: db}
	p, err := s.ActiveProfile(context.Background(), "tenant-a")
	if err != nil {
		t.Fatal(err)
	}
	if p.ID != "generated-id" || p.Name != "default" {
		t.Fatalf("unexpected created default: %+v", p)
	}
	if db.calls != 3 {
		t.Fatalf("expected three queries for create-default path, got %d", db.calls)
	}
}
