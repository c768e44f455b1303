// ABOUTME: Metrics persistence with max-preserving upsert semantics.
// ABOUTME: Batch upserts fall back to per-row writes instead of dropping data.

package store

import (
	"context"
	"fmt"
	"strings"
)

// serverMetricUpsert preserves peak values across duplicate timestamps:
// memory, disk and network take the max of old and new, cpu is replaced
// with the latest sample.
const serverMetricUpsert = `
	INSERT INTO server_metrics (server_id, ts, cpu_percent, memory_mb, disk_mb, network_rx_kb, network_tx_kb)
	VALUES %s
	ON CONFLICT(server_id, ts) DO UPDATE SET
		cpu_percent   = excluded.cpu_percent,
		memory_mb     = MAX(memory_mb, excluded.memory_mb),
		disk_mb       = MAX(disk_mb, excluded.disk_mb),
		network_rx_kb = MAX(network_rx_kb, excluded.network_rx_kb),
		network_tx_kb = MAX(network_tx_kb, excluded.network_tx_kb)
`

// UpsertServerMetric writes one server metric sample.
func (s *SQLiteStore) UpsertServerMetric(ctx context.Context, metric *ServerMetric) error {
	query := fmt.Sprintf(serverMetricUpsert, "(?, ?, ?, ?, ?, ?, ?)")
	_, err := s.db.ExecContext(ctx, query,
		metric.ServerID, metric.Timestamp.UTC(),
		metric.CPUPercent, metric.MemoryMB, metric.DiskMB,
		metric.NetworkRxKB, metric.NetworkTxKB,
	)
	if err != nil {
		return fmt.Errorf("upserting server metric: %w", err)
	}
	return nil
}

// UpsertServerMetricsBatch writes a batch of samples in one statement. If the
// bulk statement fails, every row is retried individually so a single bad row
// never discards the rest of the batch.
func (s *SQLiteStore) UpsertServerMetricsBatch(ctx context.Context, metrics []*ServerMetric) error {
	if len(metrics) == 0 {
		return nil
	}

	placeholders := make([]string, 0, len(metrics))
	args := make([]any, 0, len(metrics)*7)
	for _, m := range metrics {
		placeholders = append(placeholders, "(?, ?, ?, ?, ?, ?, ?)")
		args = append(args, m.ServerID, m.Timestamp.UTC(),
			m.CPUPercent, m.MemoryMB, m.DiskMB, m.NetworkRxKB, m.NetworkTxKB)
	}

	query := fmt.Sprintf(serverMetricUpsert, strings.Join(placeholders, ", "))
	_, err := s.db.ExecContext(ctx, query, args...)
	if err == nil {
		return nil
	}
	s.logger.Warn("bulk metrics upsert failed, falling back to per-row writes",
		"rows", len(metrics), "error", err)

	var firstErr error
	for _, m := range metrics {
		if err := s.UpsertServerMetric(ctx, m); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// UpsertNodeMetric writes one node metric sample with the same peak-preserving
// conflict behavior as server metrics.
func (s *SQLiteStore) UpsertNodeMetric(ctx context.Context, metric *NodeMetric) error {
	query := `
		INSERT INTO node_metrics (node_id, ts, cpu_percent, memory_mb, disk_mb)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(node_id, ts) DO UPDATE SET
			cpu_percent = excluded.cpu_percent,
			memory_mb   = MAX(memory_mb, excluded.memory_mb),
			disk_mb     = MAX(disk_mb, excluded.disk_mb)
	`
	_, err := s.db.ExecContext(ctx, query,
		metric.NodeID, metric.Timestamp.UTC(),
		metric.CPUPercent, metric.MemoryMB, metric.DiskMB,
	)
	if err != nil {
		return fmt.Errorf("upserting node metric: %w", err)
	}
	return nil
}
