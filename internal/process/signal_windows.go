//go:build windows

package process

import (
	"errors"
	"syscall"
	"unsafe"
)

var (
	kernel32               = syscall.NewLazyDLL("kernel32.dll")
	procOpenProcess        = kernel32.NewProc("OpenProcess")
	procTerminateProcess   = kernel32.NewProc("TerminateProcess")
	procCloseHandle        = kernel32.NewProc("CloseHandle")
	procGetExitCodeProcess = kernel32.NewProc("GetExitCodeProcess")
)

const (
	processTerminate               = 0x0001
	processQueryLimitedInformation = 0x1000
	stillActive                    = 259
)

// processExists opens the process and checks that it has not exited yet.
// A handle can outlive the process, so the exit code is checked as well.
func processExists(pid int) bool {
	h, err := openProcess(processQueryLimitedInformation, uint32(pid))
	if err != nil {
		// Access denied still proves the process exists.
		return errors.Is(err, syscall.ERROR_ACCESS_DENIED)
	}
	defer func() { _ = closeHandle(h) }()
	var code uint32
	ret, _, _ := procGetExitCodeProcess.Call(uintptr(h), uintptr(unsafe.Pointer(&code)))
	if ret == 0 {
		return true
	}
	return code == stillActive
}

func terminateProcess(pid int) error { return killProcess(pid) }

func killProcess(pid int) error {
	h, err := openProcess(processTerminate, uint32(pid))
	if err != nil {
		// If we can't open the process, it likely doesn't exist anymore.
		return nil
	}
	defer func() { _ = closeHandle(h) }()
	ret, _, err := procTerminateProcess.Call(uintptr(h), uintptr(1))
	if ret == 0 {
		return err
	}
	return nil
}

func openProcess(access uint32, pid uint32) (syscall.Handle, error) {
	ret, _, err := procOpenProcess.Call(uintptr(access), 0, uintptr(pid))
	if ret == 0 {
		return 0, err
	}
	return syscall.Handle(ret), nil
}

func closeHandle(h syscall.Handle) error {
	ret, _, err := procCloseHandle.Call(uintptr(h))
	if ret == 0 {
		return err
	}
	return nil
}
