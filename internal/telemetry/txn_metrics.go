// Package internaltelemetry holds the metric instruments of gojotx components.
package internaltelemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/sushant-115/gojotx/core/transaction"
)

// TxnMetrics counts transactions per source node. It is the channel stats
// collaborator of the transaction manager.
type TxnMetrics struct {
	IncomingCounter     metric.Int64Counter
	AppliedCounter      metric.Int64Counter
	ApplicationCounter  metric.Int64Counter
	AcknowledgedCounter metric.Int64Counter
	PendingUpDown       metric.Int64UpDownCounter
}

// NewTxnMetrics creates and registers the transaction instruments.
func NewTxnMetrics(meter metric.Meter) (*TxnMetrics, error) {
	incoming, err := meter.Int64Counter(
		"gojotx.txn.incoming_total",
		metric.WithDescription("Transactions registered with the transaction manager."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	applied, err := meter.Int64Counter(
		"gojotx.txn.applied_total",
		metric.WithDescription("Server transactions applied."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	application, err := meter.Int64Counter(
		"gojotx.txn.application_total",
		metric.WithDescription("Client application transactions folded into applied server transactions."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	acknowledged, err := meter.Int64Counter(
		"gojotx.txn.acknowledged_total",
		metric.WithDescription("Transactions acknowledged to their source."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	pending, err := meter.Int64UpDownCounter(
		"gojotx.txn.pending",
		metric.WithDescription("Transactions registered but not yet acknowledged."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &TxnMetrics{
		IncomingCounter:     incoming,
		AppliedCounter:      applied,
		ApplicationCounter:  application,
		AcknowledgedCounter: acknowledged,
		PendingUpDown:       pending,
	}, nil
}

func sourceAttr(source transaction.NodeID) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("source", string(source)))
}

func (m *TxnMetrics) NotifyIncoming(source transaction.NodeID, count int) {
	ctx := context.Background()
	m.IncomingCounter.Add(ctx, int64(count), sourceAttr(source))
	m.PendingUpDown.Add(ctx, int64(count), sourceAttr(source))
}

func (m *TxnMetrics) NotifyTransaction(source transaction.NodeID, numApplicationTxn uint32) {
	ctx := context.Background()
	m.AppliedCounter.Add(ctx, 1, sourceAttr(source))
	m.ApplicationCounter.Add(ctx, int64(numApplicationTxn), sourceAttr(source))
}

func (m *TxnMetrics) NotifyTransactionAcknowledged(source transaction.NodeID) {
	ctx := context.Background()
	m.AcknowledgedCounter.Add(ctx, 1, sourceAttr(source))
	m.PendingUpDown.Add(ctx, -1, sourceAttr(source))
}
