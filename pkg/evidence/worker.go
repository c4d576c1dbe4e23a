package evidence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"origin/pkg/blobstore"
	"origin/pkg/ledger"
	"origin/pkg/models"
	"origin/pkg/statebus"
	"origin/pkg/store"
)

// Worker is the consumer-side half: it drains the broker Service.Enqueue
// writes to, renders every requested format, and persists the terminal
// result. It shares Repo/Ledger/Blobs with Service but never touches the
// broker's write side.
type Worker struct {
	Repo     *store.Repository
	Ledger   *ledger.Service
	Blobs    blobstore.Store
	Consumer statebus.Consumer
	Logger   *zap.Logger
}

// Run drains Consumer until ctx is canceled, logging and continuing past
// any single task's failure so one bad message can't wedge the worker.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg, err := w.Consumer.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			w.logWarn("evidence worker: read message failed", err)
			continue
		}
		if err := w.Execute(ctx, msg.Value, time.Now()); err != nil {
			w.logWarn("evidence worker: execute failed", err)
		}
	}
}

// Execute renders every format task names and persists the result:
// `ready` with every storage_key/artifact_hash/artifact_size populated on
// success, `failed` with a human-readable error_code on a deterministic
// rendering error. Errors returned from Execute itself (certificate/
// ledger/signals lookup failures, blob store Put failures) are transient —
// the row is left untouched in `pending` for RequeueStuck to pick back
// up; transient errors never mutate state into a terminal failure.
func (w *Worker) Execute(ctx context.Context, payloadBytes []byte, now time.Time) error {
	var task taskPayload
	if err := json.Unmarshal(payloadBytes, &task); err != nil {
		return fmt.Errorf("evidence worker: decode task: %w", err)
	}

	ep, err := w.Repo.GetEvidencePack(ctx, task.CertificateID)
	if err != nil {
		return fmt.Errorf("evidence worker: load pack: %w", err)
	}
	if ep.TaskID != task.TaskID {
		// A requeue has already superseded this message; drop it rather
		// than clobber the newer attempt's in-flight state.
		return nil
	}
	if ep.Status != models.EvidencePackPending {
		return nil
	}

	cert, err := w.Repo.GetCertificate(ctx, task.TenantID, task.CertificateID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return w.fail(ctx, *ep, "CERTIFICATE_NOT_FOUND", now)
		}
		return fmt.Errorf("evidence worker: load certificate: %w", err)
	}
	upload, err := w.Repo.GetUploadByID(ctx, cert.UploadID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return w.fail(ctx, *ep, "UPLOAD_NOT_FOUND", now)
		}
		return fmt.Errorf("evidence worker: load upload: %w", err)
	}
	ledgerEvent, err := w.Ledger.EventByHash(ctx, task.TenantID, cert.LedgerHash)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return w.fail(ctx, *ep, "LEDGER_EVENT_NOT_FOUND", now)
		}
		return fmt.Errorf("evidence worker: load ledger event: %w", err)
	}
	signals, err := w.Repo.GetRiskSignals(ctx, cert.UploadID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("evidence worker: load risk signals: %w", err)
	}

	in := renderInput{Certificate: *cert, Upload: *upload, Ledger: ledgerEvent, Signals: signals}

	storageKeys := map[string]string{}
	hashes := map[string]string{}
	sizes := map[string]int64{}
	for _, format := range ep.FormatsRequested {
		renderer, ok := renderers[format]
		if !ok {
			return w.fail(ctx, *ep, "UNSUPPORTED_FORMAT_"+strings.ToUpper(format), now)
		}
		data, contentType, err := renderer.Render(in)
		if err != nil {
			return w.fail(ctx, *ep, "RENDER_FAILED", now)
		}
		key := fmt.Sprintf("%s/%s/%s", task.TenantID, task.CertificateID, format)
		if err := w.Blobs.Put(ctx, key, data, contentType); err != nil {
			return fmt.Errorf("evidence worker: put %s: %w", format, err)
		}
		sum := sha256.Sum256(data)
		storageKeys[format] = key
		hashes[format] = hex.EncodeToString(sum[:])
		sizes[format] = int64(len(data))
	}

	ep.Status = models.EvidencePackReady
	ep.StorageKeys = storageKeys
	ep.ArtifactHashes = hashes
	ep.ArtifactSizes = sizes
	ep.TaskStatus = models.TaskSuccess
	ep.PipelineEvent = models.PipelineUpdatedFromResult
	ep.ErrorCode = ""
	ep.UpdatedAt = now
	return w.Repo.UpdateEvidencePack(ctx, *ep)
}

func (w *Worker) fail(ctx context.Context, ep models.EvidencePack, code string, now time.Time) error {
	ep.Status = models.EvidencePackFailed
	ep.TaskStatus = models.TaskFailure
	ep.PipelineEvent = models.PipelineUpdatedFromResult
	ep.ErrorCode = code
	ep.UpdatedAt = now
	if err := w.Repo.UpdateEvidencePack(ctx, ep); err != nil {
		return fmt.Errorf("evidence worker: persist failure %s: %w", code, err)
	}
	return nil
}

func (w *Worker) logWarn(msg string, err error) {
	if w.Logger == nil {
		return
	}
	w.Logger.Warn(msg, zap.Error(err))
}
