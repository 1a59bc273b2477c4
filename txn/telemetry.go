package txn

import (
	"log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	commitCounter   metric.Int64Counter
	conflictCounter metric.Int64Counter
	retryCounter    metric.Int64Counter
	abortCounter    metric.Int64Counter
)

func init() {
	meter := otel.Meter("github.com/gigapi/gigapi-lakehouse/txn")

	var err error
	commitCounter, err = meter.Int64Counter(
		"lakehouse.txn.commits",
		metric.WithDescription("Transactions committed to a table log"),
	)
	if err != nil {
		log.Fatalf("failed to create txn.commits counter: %v", err)
	}

	conflictCounter, err = meter.Int64Counter(
		"lakehouse.txn.conflicts",
		metric.WithDescription("Appends that lost the race for a version"),
	)
	if err != nil {
		log.Fatalf("failed to create txn.conflicts counter: %v", err)
	}

	retryCounter, err = meter.Int64Counter(
		"lakehouse.txn.retries",
		metric.WithDescription("Commit attempts retried after reconciling with winners"),
	)
	if err != nil {
		log.Fatalf("failed to create txn.retries counter: %v", err)
	}

	abortCounter, err = meter.Int64Counter(
		"lakehouse.txn.aborts",
		metric.WithDescription("Transactions aborted"),
	)
	if err != nil {
		log.Fatalf("failed to create txn.aborts counter: %v", err)
	}
}

func opAttr(op string) metric.AddOption {
	return metric.WithAttributes(attribute.String("operation", op))
}
