// Copyright 2025 The existq authors
// Licensed under Apache 2.0, see LICENCE file for details.

package xquery

// Exported for testing.
var (
	BindToContext = bindToContext
	ReturnWrapper = returnWrapper
)
