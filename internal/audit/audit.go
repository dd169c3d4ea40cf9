package audit

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Category tags for the operational log.
const (
	Boot      = "BOOT"
	Shutdown  = "SHUTDOWN"
	Crash     = "CRASH"
	Trade     = "TRADE"
	Close     = "CLOSE"
	Lifecycle = "LIFECYCLE"
	API       = "API"
	Engine    = "ENGINE"
	Ledger    = "LEDGER"
	Error     = "ERROR"
)

var csvHeader = []string{"timestamp", "profileAddress", "marketQuestion", "side", "size", "price", "intent"}

// Logger keeps a human-readable audit trail next to the structured logs:
// logs/bot_YYYY-MM-DD.txt for events and logs/trades_YYYY-MM-DD.csv for
// fills. Files roll over at midnight UTC on the next write.
type Logger struct {
	mu  sync.Mutex
	dir string

	day     string
	eventsF *os.File
	tradesF *os.File
	tradesW *csv.Writer
	now     func() time.Time
}

func New(dir string) *Logger {
	return &Logger{dir: dir, now: time.Now}
}

func (l *Logger) rotateLocked() error {
	day := l.now().UTC().Format("2006-01-02")
	if day == l.day && l.eventsF != nil {
		return nil
	}
	if l.eventsF != nil {
		l.eventsF.Close()
	}
	if l.tradesF != nil {
		l.tradesW.Flush()
		l.tradesF.Close()
		l.tradesF = nil
		l.tradesW = nil
	}
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(l.dir, "bot_"+day+".txt"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	l.eventsF = f
	l.day = day
	return nil
}

func (l *Logger) tradesWriterLocked() (*csv.Writer, error) {
	if err := l.rotateLocked(); err != nil {
		return nil, err
	}
	if l.tradesW != nil {
		return l.tradesW, nil
	}
	path := filepath.Join(l.dir, "trades_"+l.day+".csv")
	_, statErr := os.Stat(path)
	fresh := os.IsNotExist(statErr)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	l.tradesF = f
	l.tradesW = csv.NewWriter(f)
	if fresh {
		if err := l.tradesW.Write(csvHeader); err != nil {
			return nil, err
		}
		l.tradesW.Flush()
	}
	return l.tradesW, nil
}

// Event appends one tagged line to the daily operational log.
func (l *Logger) Event(category, format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.rotateLocked(); err != nil {
		log.Error().Err(err).Msg("audit rotate failed")
		return
	}
	line := fmt.Sprintf("[%s] [%s] %s\n",
		l.now().UTC().Format("2006-01-02 15:04:05"), category, fmt.Sprintf(format, args...))
	if _, err := l.eventsF.WriteString(line); err != nil {
		log.Error().Err(err).Msg("audit write failed")
	}
}

// TradeRow appends one fill to the daily CSV journal.
func (l *Logger) TradeRow(profileAddress, marketQuestion, side string, size float64, price float64, intent string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, err := l.tradesWriterLocked()
	if err != nil {
		log.Error().Err(err).Msg("audit trades open failed")
		return
	}
	row := []string{
		l.now().UTC().Format(time.RFC3339),
		profileAddress,
		marketQuestion,
		side,
		strconv.FormatFloat(size, 'f', -1, 64),
		strconv.FormatFloat(price, 'f', -1, 64),
		intent,
	}
	if err := w.Write(row); err != nil {
		log.Error().Err(err).Msg("audit trades write failed")
		return
	}
	w.Flush()
}

// Close flushes and closes the open files.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.tradesW != nil {
		l.tradesW.Flush()
	}
	if l.tradesF != nil {
		l.tradesF.Close()
		l.tradesF = nil
		l.tradesW = nil
	}
	if l.eventsF != nil {
		l.eventsF.Close()
		l.eventsF = nil
	}
	l.day = ""
}
