//go:build !unix

package main

import "context"

func watchSave(ctx context.Context, r *Runner) {}
