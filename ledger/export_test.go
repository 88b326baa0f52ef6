package ledger

import "errors"

var errDiskFull = errors.New("disk full")

// FailWrites makes every subsequent write of l fail until called with false.
func FailWrites(l *FileLedger, fail bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if fail {
		l.writeFile = func(string, []byte) (fileStamp, error) { return fileStamp{}, errDiskFull }
		return
	}
	l.writeFile = writeFileAtomic
}
