// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

//go:build !qmvm_debug

package shm

const rankDebug = false
