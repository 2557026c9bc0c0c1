package main

// Worker blank imports — each import self-registers a worker factory for its
// kind. Add new worker kinds here as they are implemented.

import (
	_ "github.com/planloom/planloom/internal/adapter/codeworker"
	_ "github.com/planloom/planloom/internal/adapter/diagworker"
)
