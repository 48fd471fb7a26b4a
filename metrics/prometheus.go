package metrics

import "github.com/docker/go-metrics"

const (
	// NamespacePrefix is the namespace of prometheus metrics
	NamespacePrefix = "ingest"
)

var (
	// StorageNamespace is the prometheus namespace of blob, driver and cache
	// related operations
	StorageNamespace = metrics.NewNamespace(NamespacePrefix, "storage", nil)

	// WriterNamespace is the prometheus namespace of the streaming digest
	// writer
	WriterNamespace = metrics.NewNamespace(NamespacePrefix, "writer", nil)

	// HTTPNamespace is the prometheus namespace of the ingest http API
	HTTPNamespace = metrics.NewNamespace(NamespacePrefix, "http", nil)

	// NotificationsNamespace is the prometheus namespace of notification
	// related metrics
	NotificationsNamespace = metrics.NewNamespace(NamespacePrefix, "notifications", nil)
)

func init() {
	for _, ns := range []*metrics.Namespace{StorageNamespace, WriterNamespace, HTTPNamespace, NotificationsNamespace} {
		metrics.Register(ns)
	}
}
