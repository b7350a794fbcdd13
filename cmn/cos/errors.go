// Package cos provides small low-level types and utilities shared by the
// bridge's transport, handle-exchange, and swapchain-mirror packages.
/*
 * Copyright (c) 2024, the xrbridge authors.
 */
package cos

import (
	"sync"

	"github.com/pkg/errors"
)

// Errs accumulates distinct errors up to a small cap; used where a single
// teardown path (e.g. destroying a session's swapchains) may fail in more
// than one place but callers only care that something went wrong.
type Errs struct {
	mu   sync.Mutex
	errs []error
}

const maxErrs = 4

func (e *Errs) Add(err error) {
	if err == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, added := range e.errs {
		if added.Error() == err.Error() {
			return
		}
	}
	if len(e.errs) < maxErrs {
		e.errs = append(e.errs, err)
	}
}

func (e *Errs) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.errs) == 0 {
		return nil
	}
	return errors.Errorf("%v", e.errs)
}
