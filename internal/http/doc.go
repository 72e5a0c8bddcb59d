// Package http provides the scanner's local status and control endpoints.
//
// The router exposes the following surface, intended for operator tooling on
// the device itself:
//   - POST /scans: submits one decoded QR payload. Body: {"qr_code_id"}.
//     Response carries the resolution (success, queued, duplicate, rejected)
//     and the stored record.
//   - PUT /event, DELETE /event: selects or clears the active event. Body for
//     PUT: {"event_id"}.
//   - GET /events: lists the locally cached event catalog.
//   - POST /dismiss: clears the currently displayed outcome.
//   - GET /status: session state, selected event, connectivity, queue depth,
//     and the last outcome.
//   - POST /sync: triggers a sync cycle immediately. Returns 202 without
//     waiting for the cycle to finish.
//   - GET /records/failed, DELETE /records/failed/{id}: the failed-record
//     audit list and its acknowledge operation.
//   - GET /metrics: Prometheus metrics.
//
// Request/response DTOs live alongside their respective handlers so tests and
// documentation share the same ground truth.
package http
