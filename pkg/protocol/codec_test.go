package protocol

import (
	"reflect"
	"strings"
	"testing"
)

func TestParseSingleToken(t *testing.T) {
	text := `Sure! [SEARCH_SLOTS service:"haircut", date:tomorrow] Let me check.`

	invs := Parse(text)
	if len(invs) != 1 {
		t.Fatalf("got %d invocations, want 1", len(invs))
	}

	inv := invs[0]
	if inv.Name != "SEARCH_SLOTS" {
		t.Errorf("name = %s", inv.Name)
	}
	if v, _ := inv.Get("service"); v != "haircut" {
		t.Errorf("service = %q", v)
	}
	if v, _ := inv.Get("date"); v != "tomorrow" {
		t.Errorf("date = %q", v)
	}
	if text[inv.Span.Start:inv.Span.End] != `[SEARCH_SLOTS service:"haircut", date:tomorrow]` {
		t.Errorf("span = %q", text[inv.Span.Start:inv.Span.End])
	}
}

func TestParsePreservesOrder(t *testing.T) {
	text := `[CHECK a:1] middle [BOOK b:2] and again [CHECK c:3]`

	invs := Parse(text)
	if len(invs) != 3 {
		t.Fatalf("got %d invocations, want 3", len(invs))
	}
	names := []string{invs[0].Name, invs[1].Name, invs[2].Name}
	if !reflect.DeepEqual(names, []string{"CHECK", "BOOK", "CHECK"}) {
		t.Errorf("order = %v", names)
	}
}

func TestParseListValue(t *testing.T) {
	invs := Parse(`[SEARCH_SLOTS staff:[maria, alex], service:haircut]`)
	if len(invs) != 1 {
		t.Fatalf("got %d invocations, want 1", len(invs))
	}
	list, ok := invs[0].GetList("staff")
	if !ok || !reflect.DeepEqual(list, []string{"maria", "alex"}) {
		t.Errorf("staff = %v (ok=%v)", list, ok)
	}
}

func TestParseQuotedValueKeepsCommasAndSpaces(t *testing.T) {
	invs := Parse(`[NOTE text:"running late, maybe 10 min"]`)
	if len(invs) != 1 {
		t.Fatalf("got %d invocations, want 1", len(invs))
	}
	if v, _ := invs[0].Get("text"); v != "running late, maybe 10 min" {
		t.Errorf("text = %q", v)
	}
}

func TestParseParamOrderPreserved(t *testing.T) {
	invs := Parse(`[BOOK service:haircut, date:friday, time:14:00]`)
	if len(invs) != 1 {
		t.Fatalf("got %d invocations, want 1", len(invs))
	}
	keys := make([]string, 0, len(invs[0].Params))
	for _, p := range invs[0].Params {
		keys = append(keys, p.Key)
	}
	if !reflect.DeepEqual(keys, []string{"service", "date", "time"}) {
		t.Errorf("keys = %v", keys)
	}
	if v, _ := invs[0].Get("time"); v != "14:00" {
		t.Errorf("time = %q", v)
	}
}

func TestParseMalformedTokensSkipped(t *testing.T) {
	tests := []struct {
		name string
		text string
		want int
	}{
		{"unterminated bracket", `hello [SEARCH_SLOTS service:haircut`, 0},
		{"unterminated quote", `[NOTE text:"oops]`, 0},
		{"lowercase name", `[search service:x]`, 0},
		{"digit-leading name", `[1X service:x]`, 0},
		{"no name", `[ service:x]`, 0},
		{"bad param syntax", `[BOOK service=haircut]`, 0},
		{"malformed then valid", `[BOOK oops [CANCEL id:9]`, 1},
		{"plain brackets in prose", `call me [maybe] later`, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			invs := Parse(tt.text)
			if len(invs) != tt.want {
				t.Errorf("Parse(%q) = %d invocations, want %d", tt.text, len(invs), tt.want)
			}
		})
	}
}

func TestParseMalformedLeavesProseIntact(t *testing.T) {
	text := `before [BROKEN oops after`
	if got := Strip(text); got != text {
		t.Errorf("Strip(%q) = %q, malformed token must stay in place", text, got)
	}
}

func TestStripRemovesTokenSpanOnly(t *testing.T) {
	text := `Sure! [SEARCH_SLOTS service:"haircut", date:tomorrow] Let me check.`
	want := `Sure!  Let me check.`
	if got := Strip(text); got != want {
		t.Errorf("Strip = %q, want %q", got, want)
	}
}

func TestStripIdempotent(t *testing.T) {
	texts := []string{
		`Sure! [SEARCH_SLOTS service:"haircut"] Done.`,
		`[A] [B x:y] plain`,
		`no tokens at all`,
		`[A[B x:y]]`, // stripping the inner token exposes an outer one
	}
	for _, text := range texts {
		once := Strip(text)
		twice := Strip(once)
		if once != twice {
			t.Errorf("Strip not idempotent for %q: %q != %q", text, once, twice)
		}
	}
}

func TestStripDeepCascade(t *testing.T) {
	// Every removal exposes another parseable token; stripping must keep
	// going until none remain, however deep the cascade.
	text := strings.Repeat("[A k:v ", 10) + "[B k:v]" + strings.Repeat("]", 10)
	once := Strip(text)
	if once != "" {
		t.Errorf("Strip = %q, want empty", once)
	}
	if twice := Strip(once); twice != once {
		t.Errorf("Strip not idempotent: %q != %q", once, twice)
	}
}

func TestParseNameAllowsTrailingDigits(t *testing.T) {
	invs := Parse(`[STEP2 id:9]`)
	if len(invs) != 1 || invs[0].Name != "STEP2" {
		t.Fatalf("invs = %+v", invs)
	}
}

func TestParseNoParamsToken(t *testing.T) {
	invs := Parse(`[LIST_SERVICES]`)
	if len(invs) != 1 || invs[0].Name != "LIST_SERVICES" {
		t.Fatalf("invs = %+v", invs)
	}
	if len(invs[0].Params) != 0 {
		t.Errorf("params = %+v", invs[0].Params)
	}
}

func TestParamMapJoinsLists(t *testing.T) {
	invs := Parse(`[SEARCH_SLOTS staff:[maria,alex], date:friday]`)
	if len(invs) != 1 {
		t.Fatalf("got %d invocations", len(invs))
	}
	m := invs[0].ParamMap()
	if m["staff"] != "maria,alex" || m["date"] != "friday" {
		t.Errorf("map = %v", m)
	}
}
