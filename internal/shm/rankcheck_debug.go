// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

//go:build qmvm_debug

package shm

// rankDebug enables the semaphore-ordering assertion.
// Built in only under the qmvm_debug tag so production builds pay nothing
// for it.
const rankDebug = true
