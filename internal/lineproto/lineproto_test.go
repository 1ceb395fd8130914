package lineproto_test

import (
	"testing"

	"github.com/calvinalkan/qdbingest/internal/lineproto"
	"github.com/calvinalkan/qdbingest/internal/wire"
)

func Test_Next_Parses_Tags_Fields_And_Timestamp(t *testing.T) {
	t.Parallel()

	p := lineproto.New()
	line := []byte("trades,sym=AAPL,side=buy price=100.5,qty=10i,active=t 1465839830100400200\n")

	m, consumed, ok, err := p.Next(line)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !ok {
		t.Fatal("Next: ok = false, want true")
	}
	if consumed != len(line) {
		t.Fatalf("consumed = %d, want %d", consumed, len(line))
	}
	if m.Name != "trades" {
		t.Fatalf("Name = %q, want trades", m.Name)
	}
	if m.TimestampMicros != 1465839830100400200/1000 {
		t.Fatalf("TimestampMicros = %d, want %d", m.TimestampMicros, int64(1465839830100400200/1000))
	}
	if len(m.Entities) != 5 {
		t.Fatalf("len(Entities) = %d, want 5", len(m.Entities))
	}

	byName := make(map[string]wire.Entity, len(m.Entities))
	for _, e := range m.Entities {
		byName[string(e.Name)] = e
	}

	sym, ok := byName["sym"]
	if !ok || sym.Type != wire.Tag || string(sym.Str) != "AAPL" {
		t.Fatalf("sym entity = %+v", sym)
	}
	price, ok := byName["price"]
	if !ok || price.Type != wire.Float || price.F64 != 100.5 {
		t.Fatalf("price entity = %+v", price)
	}
	qty, ok := byName["qty"]
	if !ok || qty.Type != wire.Integer || qty.I64 != 10 {
		t.Fatalf("qty entity = %+v", qty)
	}
	active, ok := byName["active"]
	if !ok || active.Type != wire.Boolean || active.I64 != 1 {
		t.Fatalf("active entity = %+v", active)
	}
}

func Test_Next_Without_Timestamp_Uses_NullTimestamp(t *testing.T) {
	t.Parallel()

	p := lineproto.New()
	line := []byte("trades,sym=AAPL price=1.0\n")

	m, _, ok, err := p.Next(line)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !ok {
		t.Fatal("Next: ok = false, want true")
	}
	if m.TimestampMicros != wire.NullTimestamp {
		t.Fatalf("TimestampMicros = %d, want NullTimestamp", m.TimestampMicros)
	}
}

func Test_Next_Incomplete_Line_Returns_NotOk_NoError(t *testing.T) {
	t.Parallel()

	p := lineproto.New()
	buf := []byte("trades,sym=AAPL price=1.0")

	_, consumed, ok, err := p.Next(buf)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if ok {
		t.Fatal("Next: ok = true for an incomplete line")
	}
	if consumed != 0 {
		t.Fatalf("consumed = %d, want 0", consumed)
	}
}

func Test_Next_Parses_Multiple_Lines_Sequentially(t *testing.T) {
	t.Parallel()

	p := lineproto.New()
	buf := []byte("a price=1.0\nb price=2.0\n")

	m1, n1, ok, err := p.Next(buf)
	if err != nil || !ok {
		t.Fatalf("first Next: ok=%v err=%v", ok, err)
	}
	if m1.Name != "a" {
		t.Fatalf("first Name = %q, want a", m1.Name)
	}

	m2, _, ok, err := p.Next(buf[n1:])
	if err != nil || !ok {
		t.Fatalf("second Next: ok=%v err=%v", ok, err)
	}
	if m2.Name != "b" {
		t.Fatalf("second Name = %q, want b", m2.Name)
	}
}

func Test_Next_String_Field_With_Escaped_Quote(t *testing.T) {
	t.Parallel()

	p := lineproto.New()
	line := []byte(`trades note="hello \"world\""` + "\n")

	m, _, ok, err := p.Next(line)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !ok {
		t.Fatal("Next: ok = false")
	}
	if len(m.Entities) != 1 {
		t.Fatalf("len(Entities) = %d, want 1", len(m.Entities))
	}
	got := string(m.Entities[0].Str)
	want := `hello "world"`
	if got != want {
		t.Fatalf("note = %q, want %q", got, want)
	}
}

func Test_Next_String_Field_With_Comma_Is_Not_Split(t *testing.T) {
	t.Parallel()

	p := lineproto.New()
	line := []byte(`trades note="a, b",qty=1i` + "\n")

	m, _, ok, err := p.Next(line)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !ok {
		t.Fatal("Next: ok = false")
	}
	if len(m.Entities) != 2 {
		t.Fatalf("len(Entities) = %d, want 2", len(m.Entities))
	}
}

func Test_Next_Long256_Field(t *testing.T) {
	t.Parallel()

	p := lineproto.New()
	line := []byte("trades id=0x05a9796963abad00001e5f6bbdb38i\n")

	m, _, ok, err := p.Next(line)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !ok {
		t.Fatal("Next: ok = false")
	}
	if len(m.Entities) != 1 || m.Entities[0].Type != wire.Long256 {
		t.Fatalf("Entities = %+v", m.Entities)
	}
	if string(m.Entities[0].Str) != "05a9796963abad00001e5f6bbdb38" {
		t.Fatalf("Long256 payload = %q", m.Entities[0].Str)
	}
}

func Test_Next_Escaped_Tag_Value(t *testing.T) {
	t.Parallel()

	p := lineproto.New()
	line := []byte(`trades,loc=New\ York price=1.0` + "\n")

	m, _, ok, err := p.Next(line)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !ok {
		t.Fatal("Next: ok = false")
	}

	var loc wire.Entity
	for _, e := range m.Entities {
		if string(e.Name) == "loc" {
			loc = e
		}
	}
	if string(loc.Str) != "New York" {
		t.Fatalf("loc = %q, want %q", loc.Str, "New York")
	}
}

func Test_Next_Missing_Field_Set_Errors(t *testing.T) {
	t.Parallel()

	p := lineproto.New()
	line := []byte("trades\n")

	_, _, ok, err := p.Next(line)
	if ok || err == nil {
		t.Fatalf("Next: ok=%v err=%v, want ok=false and an error", ok, err)
	}
}

func Test_Next_Blank_Line_Is_Skipped_Without_Error(t *testing.T) {
	t.Parallel()

	p := lineproto.New()
	line := []byte("\n")

	_, consumed, ok, err := p.Next(line)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if ok {
		t.Fatal("Next: ok = true for a blank line")
	}
	if consumed != 1 {
		t.Fatalf("consumed = %d, want 1", consumed)
	}
}

func Test_ColRef_Encodes_Negative_Name_Length(t *testing.T) {
	t.Parallel()

	p := lineproto.New()
	line := []byte("trades,sym=AAPL price=1.0\n")

	m, _, ok, err := p.Next(line)
	if err != nil || !ok {
		t.Fatalf("Next: ok=%v err=%v", ok, err)
	}
	for _, e := range m.Entities {
		if e.ColRef != -int32(len(e.Name)) {
			t.Fatalf("entity %q: ColRef = %d, want %d", e.Name, e.ColRef, -int32(len(e.Name)))
		}
	}
}
