// Package jsonl 实现交易流水的异步 JSONL 输出。
// 平仓回调只负责投递，JSON 编码与文件 I/O 在后台 goroutine 完成，
// 不阻塞仓位结算路径。
package jsonl

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"signal-copy-trader/internal/core/model"
)

type opType int

const (
	opRecord opType = iota
	opFlush
	opClose
)

type op struct {
	typ  opType
	rec  *model.TradeRecord
	done chan error
}

// Journal 交易流水写入器
// 输出文件按月份切分: <dir>/trades-YYYY-MM.jsonl，每行一条平仓记录。
type Journal struct {
	// dir 输出目录
	dir string
	// ch 操作通道
	ch chan op

	closeOnce sync.Once
	closeErr  error
	closed    int32

	sendMu sync.Mutex
	wg     sync.WaitGroup
}

// NewJournal 创建交易流水写入器
// 参数 dir: 输出目录
// 参数 bufferSize: 投递缓冲区大小
func NewJournal(dir string, bufferSize int) (*Journal, error) {
	if bufferSize <= 0 {
		bufferSize = 1000
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("创建流水目录失败: %w", err)
	}

	j := &Journal{
		dir: dir,
		ch:  make(chan op, bufferSize),
	}

	j.wg.Add(1)
	go j.loop()

	return j, nil
}

// Record 异步写入一条平仓记录
func (j *Journal) Record(rec *model.TradeRecord) error {
	if j == nil {
		return nil
	}
	if atomic.LoadInt32(&j.closed) == 1 {
		return fmt.Errorf("流水写入器已关闭")
	}
	j.sendMu.Lock()
	defer j.sendMu.Unlock()
	if atomic.LoadInt32(&j.closed) == 1 {
		return fmt.Errorf("流水写入器已关闭")
	}
	j.ch <- op{typ: opRecord, rec: rec}
	return nil
}

// Flush 强制落盘
func (j *Journal) Flush() error {
	if j == nil || atomic.LoadInt32(&j.closed) == 1 {
		return nil
	}
	j.sendMu.Lock()
	defer j.sendMu.Unlock()
	if atomic.LoadInt32(&j.closed) == 1 {
		return nil
	}
	done := make(chan error, 1)
	j.ch <- op{typ: opFlush, done: done}
	return <-done
}

// Close 关闭写入器（会先 flush）
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	j.closeOnce.Do(func() {
		atomic.StoreInt32(&j.closed, 1)
		j.sendMu.Lock()
		defer j.sendMu.Unlock()
		done := make(chan error, 1)
		j.ch <- op{typ: opClose, done: done}
		j.closeErr = <-done
		close(j.ch)
	})
	j.wg.Wait()
	return j.closeErr
}

func (j *Journal) loop() {
	defer j.wg.Done()

	var (
		file    *os.File
		bw      *bufio.Writer
		curName string
	)
	closeFile := func() {
		if bw != nil {
			_ = bw.Flush()
		}
		if file != nil {
			_ = file.Close()
		}
		file, bw = nil, nil
	}
	defer closeFile()

	// ensureFile 按记录的平仓月份切换输出文件
	ensureFile := func(at time.Time) error {
		name := fmt.Sprintf("trades-%s.jsonl", at.UTC().Format("2006-01"))
		if name == curName && file != nil {
			return nil
		}
		closeFile()

		f, err := os.OpenFile(filepath.Join(j.dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		file = f
		bw = bufio.NewWriterSize(f, 1<<16)
		curName = name
		return nil
	}

	for req := range j.ch {
		switch req.typ {
		case opRecord:
			if err := ensureFile(req.rec.ClosedAt); err != nil {
				continue
			}
			b, err := json.Marshal(req.rec)
			if err != nil {
				continue
			}
			if _, err := bw.Write(b); err != nil {
				continue
			}
			_ = bw.WriteByte('\n')
		case opFlush:
			var err error
			if bw != nil {
				err = bw.Flush()
			}
			req.done <- err
		case opClose:
			var err error
			if bw != nil {
				err = bw.Flush()
			}
			req.done <- err
			return
		}
	}
}
