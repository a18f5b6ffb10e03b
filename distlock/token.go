package distlock

import (
	"fmt"
	"os"
	"strconv"
	"sync/atomic"

	uuid "github.com/satori/go.uuid"
)

var taskSeq atomic.Uint64

var hostname = func() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown-host"
	}
	return h
}()

// newToken builds the fencing token {host}:{pid}:{task}:{uuid}. The random
// uuid suffix is the actual correctness-bearing part; the rest is purely
// diagnostic (visible in `redis-cli GET` output when debugging a stuck
// lock).
func newToken() string {
	task := taskSeq.Add(1)
	return fmt.Sprintf("%s:%d:%s:%s", hostname, os.Getpid(), strconv.FormatUint(task, 10), uuid.NewV4().String())
}
