//go:build !linux

package firecracker

import "errors"

var errLinuxOnly = errors.New("firecracker requires linux")

type processVMM struct{}

func (processVMM) Start(string, []string, string) (int, error) { return 0, errLinuxOnly }

func (processVMM) Running(int, string) bool { return false }

func (processVMM) Kill(int) error { return errLinuxOnly }
