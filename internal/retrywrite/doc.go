// Package retrywrite writes line protocol batches through the host API with
// bounded retry. Shared by the plugins that persist their output.
package retrywrite
