// internal/framing/buffer.go

// Package framing режет поток байт, пришедший произвольными чанками,
// на текстовые строки, завершённые '\n'.
package framing

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

var (
	ErrInvalidUTF8 = errors.New("segment is not valid UTF-8")
	ErrLineTooLong = errors.New("line exceeds maximum length")
)

// FramingError: отброшенный сегмент. Буфер остаётся рабочим.
type FramingError struct {
	Segment []byte // offending bytes, capped for ErrLineTooLong
	Size    int    // full size of the dropped segment as seen so far
	Err     error
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("framing: %v (%d bytes)", e.Err, e.Size)
}

func (e *FramingError) Unwrap() error { return e.Err }

const segmentSample = 512

// Buffer хранит принятые байты, ещё не собранные в полную строку.
// Не потокобезопасен: принадлежит одному циклу чтения.
type Buffer struct {
	buf     []byte
	off     int // start of unread data in buf
	maxLine int
	// discarding: о длинной строке уже сообщили, байты до следующего '\n' выбрасываем
	discarding bool
}

// New возвращает пустой Buffer. maxLine <= 0 снимает ограничение длины строки.
func New(maxLine int) *Buffer {
	return &Buffer{maxLine: maxLine}
}

// Append дописывает байты в хвост буфера; p копируется.
func (b *Buffer) Append(p []byte) {
	if b.off > 0 {
		n := copy(b.buf, b.buf[b.off:])
		b.buf = b.buf[:n]
		b.off = 0
	}
	b.buf = append(b.buf, p...)
}

// Next достаёт следующую полную строку.
//
// ok == false: полной строки нет, ждём следующий Append.
// err != nil (всегда при ok == true): сегмент отброшен, Next можно звать дальше.
// Пустые строки пропускаются, пробелы по краям обрезаются.
func (b *Buffer) Next() (line string, ok bool, err error) {
	for {
		data := b.buf[b.off:]
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			if err := b.checkPending(); err != nil {
				return "", true, err
			}
			return "", false, nil
		}

		seg := data[:i]
		b.consume(i + 1)

		if b.discarding {
			b.discarding = false
			continue
		}
		if b.maxLine > 0 && len(seg) > b.maxLine {
			return "", true, &FramingError{Segment: sample(seg), Size: len(seg), Err: ErrLineTooLong}
		}

		seg = bytes.TrimRight(seg, "\r")
		if !utf8.Valid(seg) {
			return "", true, &FramingError{Segment: bytes.Clone(seg), Size: len(seg), Err: ErrInvalidUTF8}
		}
		text := strings.TrimSpace(string(seg))
		if text == "" {
			continue
		}
		return text, true, nil
	}
}

// checkPending проверяет maxLine для незавершённой строки.
// FramingError возвращается один раз на каждую переполненную строку.
func (b *Buffer) checkPending() error {
	pending := b.buf[b.off:]
	if b.maxLine <= 0 || len(pending) <= b.maxLine {
		return nil
	}
	if b.discarding {
		b.reset()
		return nil
	}
	err := &FramingError{Segment: sample(pending), Size: len(pending), Err: ErrLineTooLong}
	b.reset()
	b.discarding = true
	return err
}

// Pending: размер незавершённой строки в буфере.
func (b *Buffer) Pending() int { return len(b.buf) - b.off }

// Discard выбрасывает незавершённую строку (дописать её уже нельзя)
// и возвращает число выброшенных байт.
func (b *Buffer) Discard() int {
	n := b.Pending()
	b.reset()
	b.discarding = false
	return n
}

func (b *Buffer) consume(n int) {
	b.off += n
	if b.off == len(b.buf) {
		b.reset()
	}
}

func (b *Buffer) reset() {
	b.buf = b.buf[:0]
	b.off = 0
}

func sample(p []byte) []byte {
	if len(p) > segmentSample {
		p = p[:segmentSample]
	}
	return bytes.Clone(p)
}
