package logger

import "testing"

func TestLevelFilter(t *testing.T) {
	initial := GetLevel()
	defer SetLevel(initial)

	SetLevel(INFO)
	if !shouldLog(ERROR) || !shouldLog(WARN) || !shouldLog(INFO) {
		t.Fatal("INFO level must pass INFO and above")
	}
	if shouldLog(DEBUG) || shouldLog(TRACE) {
		t.Fatal("INFO level must suppress DEBUG and TRACE")
	}

	SetLevel(ERROR)
	if !shouldLog(ERROR) {
		t.Fatal("ERROR must always pass")
	}
	if shouldLog(WARN) || shouldLog(INFO) {
		t.Fatal("ERROR level must suppress everything below it")
	}

	SetLevel(TRACE)
	if !shouldLog(TRACE) || !shouldLog(DEBUG) {
		t.Fatal("TRACE level must pass everything")
	}
}
