package nut

import (
	"errors"
	"reflect"
	"testing"
)

// ---- EncodeCommand / Tokenize ---------------------------------------------

func TestEncodeCommand_BareArguments(t *testing.T) {
	got := EncodeCommand("GET", "VAR", "ups", "battery.charge")
	if got != "GET VAR ups battery.charge" {
		t.Errorf("EncodeCommand = %q", got)
	}
}

func TestEncodeCommand_QuotesWhitespace(t *testing.T) {
	got := EncodeCommand("SET", "VAR", "ups", "ups.id", "rack 4 left")
	want := `SET VAR ups ups.id "rack 4 left"`
	if got != want {
		t.Errorf("EncodeCommand = %q, want %q", got, want)
	}
}

func TestEncodeCommand_EscapesQuotesAndBackslashes(t *testing.T) {
	got := EncodeCommand("x", `say "hi"`, `c:\ups`)
	want := `x "say \"hi\"" "c:\\ups"`
	if got != want {
		t.Errorf("EncodeCommand = %q, want %q", got, want)
	}
}

func TestEncodeCommand_EmptyArgument(t *testing.T) {
	if got := EncodeCommand("SET", ""); got != `SET ""` {
		t.Errorf("EncodeCommand = %q, want %q", got, `SET ""`)
	}
}

func TestTokenize_RoundTrip(t *testing.T) {
	cases := [][]string{
		{"SET", "VAR", "ups", "ups.id", "rack 4 left"},
		{"VAR", "ups", "device.description", `the "big" one`},
		{"DESC", "ups", "x", `back\slash and	tab`},
		{"a", "", "b"},
		{"unicode", "Zürich Serverraum"},
	}
	for _, args := range cases {
		line := EncodeCommand(args...)
		got, err := Tokenize(line)
		if err != nil {
			t.Fatalf("Tokenize(%q): %v", line, err)
		}
		if !reflect.DeepEqual(got, args) {
			t.Errorf("round trip of %q = %q", args, got)
		}
	}
}

func TestTokenize_CollapsesWhitespace(t *testing.T) {
	got, err := Tokenize("  UPS   myups\t\"My UPS\"  ")
	if err != nil {
		t.Fatalf("Tokenize: %v", err)
	}
	want := []string{"UPS", "myups", "My UPS"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Tokenize = %q, want %q", got, want)
	}
}

func TestTokenize_UnterminatedQuote(t *testing.T) {
	_, err := Tokenize(`VAR ups x "oops`)
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want *ProtocolError", err)
	}
}

func TestTokenize_DanglingEscape(t *testing.T) {
	_, err := Tokenize(`VAR ups x \`)
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want *ProtocolError", err)
	}
}

// ---- ParseResponse ----------------------------------------------------------

func TestParseResponse_OK(t *testing.T) {
	got, err := ParseResponse("OK")
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if len(got) != 1 || got[0] != "OK" {
		t.Errorf("tokens = %q", got)
	}
}

func TestParseResponse_Err(t *testing.T) {
	_, err := ParseResponse("ERR VAR-NOT-SUPPORTED")
	var se *ServerError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *ServerError", err)
	}
	if se.Code != "VAR-NOT-SUPPORTED" {
		t.Errorf("Code = %q", se.Code)
	}
}

func TestParseResponse_ErrWithDetail(t *testing.T) {
	_, err := ParseResponse(`ERR DRIVER-NOT-CONNECTED "driver gone"`)
	var se *ServerError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *ServerError", err)
	}
	if se.Detail != "driver gone" {
		t.Errorf("Detail = %q", se.Detail)
	}
}

func TestParseResponse_Empty(t *testing.T) {
	_, err := ParseResponse("   ")
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want *ProtocolError", err)
	}
}

// ---- ListReader -------------------------------------------------------------

func feedAll(t *testing.T, lr *ListReader, lines ...string) (bool, error) {
	t.Helper()
	var done bool
	var err error
	for _, l := range lines {
		if done, err = lr.Feed(l); err != nil {
			return done, err
		}
	}
	return done, nil
}

func TestListReader_CompleteBlock(t *testing.T) {
	lr := NewListReader("VAR", "ups")
	done, err := feedAll(t, lr,
		"BEGIN LIST VAR ups",
		`VAR ups battery.charge "100"`,
		`VAR ups ups.status "OL CHRG"`,
		"END LIST VAR ups",
	)
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if !done {
		t.Fatal("block should be complete")
	}
	want := [][]string{{"battery.charge", "100"}, {"ups.status", "OL CHRG"}}
	if !reflect.DeepEqual(lr.Rows(), want) {
		t.Errorf("Rows = %q, want %q", lr.Rows(), want)
	}
}

func TestListReader_EmptyBlock(t *testing.T) {
	lr := NewListReader("UPS")
	done, err := feedAll(t, lr, "BEGIN LIST UPS", "END LIST UPS")
	if err != nil || !done {
		t.Fatalf("done=%v err=%v", done, err)
	}
	if rows := lr.Rows(); rows != nil && len(rows) != 0 {
		t.Errorf("Rows = %q, want empty", rows)
	}
}

func TestListReader_NoRowsBeforeEnd(t *testing.T) {
	lr := NewListReader("VAR", "ups")
	done, err := feedAll(t, lr, "BEGIN LIST VAR ups", `VAR ups battery.charge "100"`)
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if done {
		t.Fatal("block should not be complete without END")
	}
	if lr.Rows() != nil {
		t.Error("Rows must be nil until END LIST arrives")
	}
}

func TestListReader_ErrInsteadOfBegin(t *testing.T) {
	lr := NewListReader("VAR", "nope")
	_, err := lr.Feed("ERR UNKNOWN-UPS")
	var se *ServerError
	if !errors.As(err, &se) || se.Code != "UNKNOWN-UPS" {
		t.Fatalf("err = %v, want ServerError UNKNOWN-UPS", err)
	}
}

func TestListReader_MismatchedMarkers(t *testing.T) {
	tests := []struct {
		name  string
		lines []string
	}{
		{"wrong begin", []string{"BEGIN LIST RW ups"}},
		{"wrong end", []string{"BEGIN LIST VAR ups", "END LIST VAR other"}},
		{"foreign row", []string{"BEGIN LIST VAR ups", `RW ups x "1"`}},
		{"not a list", []string{"OK"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := feedAll(t, NewListReader("VAR", "ups"), tc.lines...)
			var pe *ProtocolError
			if !errors.As(err, &pe) {
				t.Fatalf("err = %v, want *ProtocolError", err)
			}
		})
	}
}

func TestListReader_LineAfterEnd(t *testing.T) {
	lr := NewListReader("UPS")
	if _, err := feedAll(t, lr, "BEGIN LIST UPS", "END LIST UPS"); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if _, err := lr.Feed("UPS late \"x\""); err == nil {
		t.Fatal("expected error for line after END LIST")
	}
}

// ---- error mapping ----------------------------------------------------------

func TestMapServerError(t *testing.T) {
	tests := []struct {
		code  string
		check func(error) bool
	}{
		{"UNKNOWN-UPS", func(err error) bool { var e *DeviceNotFoundError; return errors.As(err, &e) }},
		{"VAR-NOT-SUPPORTED", func(err error) bool { var e *VarNotFoundError; return errors.As(err, &e) }},
		{"READONLY", func(err error) bool { var e *VarNotFoundError; return errors.As(err, &e) }},
		{"ACCESS-DENIED", func(err error) bool { var e *AuthError; return errors.As(err, &e) }},
		{"PASSWORD-REQUIRED", func(err error) bool { var e *AuthError; return errors.As(err, &e) }},
		{"DATA-STALE", func(err error) bool { var e *ServerError; return errors.As(err, &e) && e.Code == "DATA-STALE" }},
	}
	for _, tc := range tests {
		t.Run(tc.code, func(t *testing.T) {
			err := mapServerError(&ServerError{Code: tc.code}, "admin", "ups", "battery.charge")
			if !tc.check(err) {
				t.Errorf("mapServerError(%s) = %T %v", tc.code, err, err)
			}
			var se *ServerError
			if !errors.As(err, &se) {
				t.Error("mapped error should still expose the *ServerError")
			}
			if IsFatal(err) {
				t.Error("server errors must not be fatal to the connection")
			}
		})
	}
}

func TestIsFatal(t *testing.T) {
	if !IsFatal(&ConnectionError{Op: "read", Err: ErrClosed}) {
		t.Error("ConnectionError should be fatal")
	}
	if !IsFatal(&ProtocolError{Msg: "x"}) {
		t.Error("ProtocolError should be fatal")
	}
	if IsFatal(&VarNotFoundError{Device: "ups", Var: "x"}) {
		t.Error("VarNotFoundError should not be fatal")
	}
}

func TestConnectionError_Timeout(t *testing.T) {
	ce := &ConnectionError{Op: "read", Err: &TimeoutError{Op: "read"}}
	if !ce.Timeout() {
		t.Error("Timeout() should be true when wrapping *TimeoutError")
	}
	var te *TimeoutError
	if !errors.As(error(ce), &te) {
		t.Error("errors.As should find the *TimeoutError")
	}
}
