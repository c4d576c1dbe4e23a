package store

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"origin/pkg/models"
)

// fakeRow follows the same shape as pkg/ledger's fakeRow, generalized with
// reflection so one implementation covers every column type Repository
// scans (string, bool, *bool, []byte, int64, *float64, time.Time, ...).
type fakeRow struct {
	values []any
	err    error
}

func (r *fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return fmt.Errorf("fakeRow: column count mismatch: dest=%d values=%d", len(dest), len(r.values))
	}
	for i := range dest {
		if r.values[i] == nil {
			continue
		}
		dv := reflect.ValueOf(dest[i])
		if dv.Kind() != reflect.Ptr {
			return fmt.Errorf("fakeRow: dest[%d] is not a pointer: %T", i, dest[i])
		}
		sv := reflect.ValueOf(r.values[i])
		target := dv.Elem()
		if target.Kind() == reflect.Ptr && sv.Kind() != reflect.Ptr {
			// dest is e.g. **float64 / *time.Time-pointer-field; alloc and set.
			ptr := reflect.New(target.Type().Elem())
			ptr.Elem().Set(sv)
			target.Set(ptr)
			continue
		}
		target.Set(sv)
	}
	return nil
}

type fakeRows struct {
	rowsValues [][]any
	idx        int
}

func (r *fakeRows) Next() bool { return r.idx < len(r.rowsValues) }
func (r *fakeRows) Scan(dest ...any) error {
	row := &fakeRow{values: r.rowsValues[r.idx]}
	r.idx++
	return row.Scan(dest...)
}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) Close()                                       {}
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("") }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Values() ([]any, error)                       { return nil, nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

type fakeDB struct {
	rowsBySQL map[string]*fakeRow
	manyBySQL map[string][][]any
	execErr   error
	execArgs  []any
}

func (f *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execArgs = append([]any(nil), args...)
	if f.execErr != nil {
		return pgconn.CommandTag{}, f.execErr
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (f *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	for marker, row := range f.rowsBySQL {
		if strings.Contains(sql, marker) {
			return row
		}
	}
	return &fakeRow{err: pgx.ErrNoRows}
}

func (f *fakeDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	for marker, rows := range f.manyBySQL {
		if strings.Contains(sql, marker) {
			return &fakeRows{rowsValues: rows}, nil
		}
	}
	return &fakeRows{}, nil
}

func TestFindTenantScansAllowlistAndFailOpen(t *testing.T) {
	failOpen := true
	db := &fakeDB{rowsBySQL: map[string]*fakeRow{
		"FROM tenants": {values: []any{
			"tenant-a", "Acme", "active", []byte(`["10.0.0.0/8"]`), failOpen, 600, 50, "profile-1", "", time.Now(),
		}},
	}}
	r := &Repository{DB: db}
	tenant, err := r.FindTenant(context.Background(), "tenant-a")
	if err != nil {
		t.Fatal(err)
	}
	if tenant.Name != "Acme" || len(tenant.IPAllowlist) != 1 || tenant.IPAllowlist[0] != "10.0.0.0/8" {
		t.Fatalf("unexpected tenant: %+v", tenant)
	}
	if tenant.IPAllowlistFailOpen == nil || !*tenant.IPAllowlistFailOpen {
		t.Fatalf("expected fail-open true, got %+v", tenant.IPAllowlistFailOpen)
	}
}

func TestFindAPIKeyByPrefixDecodesScopes(t *testing.T) {
	db := &fakeDB{rowsBySQL: map[string]*fakeRow{
		"FROM api_keys": {values: []any{
			"key-1", "tenant-a", "abcd1234", "digest", []byte(`["ingest:write","evidence:read"]`),
			true, "", time.Now(), nil, nil,
		}},
	}}
	r := &Repository{DB: db}
	k, err := r.FindAPIKeyByPrefix(context.Background(), "abcd1234")
	if err != nil {
		t.Fatal(err)
	}
	if !k.HasScope(models.ScopeIngestWrite) || !k.HasScope(models.ScopeEvidenceRead) {
		t.Fatalf("expected both scopes decoded, got %+v", k.Scopes)
	}
}

func TestGetIdempotencyRecordNotFound(t *testing.T) {
	db := &fakeDB{rowsBySQL: map[string]*fakeRow{
		"FROM idempotency_records": {err: pgx.ErrNoRows},
	}}
	r := &Repository{DB: db}
	_, err := r.GetIdempotencyRecord(context.Background(), "tenant-a", "key-1")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateEvidencePackIfAbsentReturnsExisting(t *testing.T) {
	db := &fakeDB{rowsBySQL: map[string]*fakeRow{
		"FROM evidence_packs": {values: []any{
			"cert-1", "tenant-a", "ready", []byte(`["json"]`), []byte(`{"json":"k1"}`),
			[]byte(`{"json":"h1"}`), []byte(`{"json":10}`), "evidence_pack_abc", "SUCCESS",
			"UPDATED_FROM_TASK_RESULT", "", time.Now(), time.Now(),
		}},
	}}
	r := &Repository{DB: db}
	ep, created, err := r.CreateEvidencePackIfAbsent(context.Background(), models.EvidencePack{
		CertificateID: "cert-1", TenantID: "tenant-a", FormatsRequested: []string{"json"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Fatal("expected an existing row to be reused, not created")
	}
	if ep.Status != models.EvidencePackReady || ep.TaskStatus != models.TaskSuccess {
		t.Fatalf("unexpected evidence pack: %+v", ep)
	}
}

func TestCreateEvidencePackIfAbsentInsertsWhenMissing(t *testing.T) {
	db := &fakeDB{rowsBySQL: map[string]*fakeRow{
		"FROM evidence_packs": {err: pgx.ErrNoRows},
	}}
	r := &Repository{DB: db}
	ep, created, err := r.CreateEvidencePackIfAbsent(context.Background(), models.EvidencePack{
		CertificateID: "cert-2", TenantID: "tenant-a", FormatsRequested: []string{"json", "pdf"},
		Status: models.EvidencePackPending, TaskID: "evidence_pack_def", PipelineEvent: models.PipelineEnqueued,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Fatal("expected a new row to be created")
	}
	if ep.CertificateID != "cert-2" {
		t.Fatalf("unexpected evidence pack: %+v", ep)
	}
}

func TestListDeliveriesDecodesRowsInOrder(t *testing.T) {
	now := time.Now()
	db := &fakeDB{manyBySQL: map[string][][]any{
		"FROM webhook_deliveries": {
			{"d1", "wh-1", "ev-1", "upload.decided", 1, "success", 200, "", "corr-1", now, now},
			{"d2", "wh-1", "ev-2", "upload.decided", 1, "failed", 500, "boom", "corr-2", now, nil},
		},
	}}
	r := &Repository{DB: db}
	deliveries, err := r.ListDeliveries(context.Background(), "wh-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(deliveries) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(deliveries))
	}
	if deliveries[0].Status != models.DeliverySuccess || deliveries[1].Status != models.DeliveryFailed {
		t.Fatalf("unexpected delivery statuses: %+v", deliveries)
	}
}

func TestRevokeActiveAPIKeysIssuesUpdate(t *testing.T) {
	db := &fakeDB{}
	r := &Repository{DB: db}
	if err := r.RevokeActiveAPIKeys(context.Background(), "tenant-a", time.Now()); err != nil {
		t.Fatal(err)
	}
	if len(db.execArgs) != 2 {
		t.Fatalf("expected tenant_id and revoked_at args, got %v", db.execArgs)
	}
}

func TestWithTxFailsWithoutPool(t *testing.T) {
	r := &Repository{Pool: nil}
	err := r.WithTx(context.Background(), func(tx *Repository) error { return nil })
	if err == nil {
		t.Fatal("expected WithTx to fail fast without a pool")
	}
}
