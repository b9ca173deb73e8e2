//go:build !linux

package supervisor

func currentThreadID() int {
	return 0
}
