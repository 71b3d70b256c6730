package stratum

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestDecodeNotifications(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		check   func(t *testing.T, msg Inbound)
		wantErr string
	}{
		{
			name: "notify bad branch",
			line: `{"id":null,"method":"mining.notify","params":["bf","4d16b6f8","01000000","072f","abcd","00000002","1c2ac4af","504e86b9",true]}`,
			// merkle branch is a string, not an array
			wantErr: "merkle_branch",
		},
		{
			name: "notify well formed",
			line: `{"id":null,"method":"mining.notify","params":["bf","4d16b6f8","0100","072f",["ab","cd"],"00000002","1c2ac4af","504e86b9",false]}`,
			check: func(t *testing.T, msg Inbound) {
				n, ok := msg.(*Notify)
				if !ok {
					t.Fatalf("got %T, want *Notify", msg)
				}
				if n.JobID != "bf" || n.NBits != "1c2ac4af" || n.NTime != "504e86b9" || n.CleanJobs {
					t.Errorf("unexpected notify %+v", n)
				}
				if len(n.MerkleBranch) != 2 || n.MerkleBranch[1] != "cd" {
					t.Errorf("MerkleBranch = %v", n.MerkleBranch)
				}
			},
		},
		{
			name:    "notify short",
			line:    `{"id":null,"method":"mining.notify","params":["bf"]}`,
			wantErr: "expected 9 params",
		},
		{
			name: "set difficulty",
			line: `{"id":null,"method":"mining.set_difficulty","params":[16]}`,
			check: func(t *testing.T, msg Inbound) {
				d, ok := msg.(*SetDifficulty)
				if !ok || d.Difficulty != 16 {
					t.Errorf("got %#v", msg)
				}
			},
		},
		{
			name: "fractional difficulty",
			line: `{"method":"mining.set_difficulty","params":[0.001]}`,
			check: func(t *testing.T, msg Inbound) {
				if d := msg.(*SetDifficulty); d.Difficulty != 0.001 {
					t.Errorf("Difficulty = %v", d.Difficulty)
				}
			},
		},
		{
			name:    "zero difficulty",
			line:    `{"id":null,"method":"mining.set_difficulty","params":[0]}`,
			wantErr: "non-positive",
		},
		{
			name: "set extranonce",
			line: `{"id":null,"method":"mining.set_extranonce","params":["abcd0001",4]}`,
			check: func(t *testing.T, msg Inbound) {
				se, ok := msg.(*SetExtranonce)
				if !ok || se.Extranonce1 != "abcd0001" || se.Extranonce2Size != 4 {
					t.Errorf("got %#v", msg)
				}
			},
		},
		{
			name: "reconnect with string port",
			line: `{"id":7,"method":"client.reconnect","params":["pool.example.com","3334",5]}`,
			check: func(t *testing.T, msg Inbound) {
				rc, ok := msg.(*Reconnect)
				if !ok || rc.Host != "pool.example.com" || rc.Port != 3334 || rc.Wait != 5 {
					t.Errorf("got %#v", msg)
				}
			},
		},
		{
			name: "reconnect without params",
			line: `{"id":null,"method":"client.reconnect","params":[]}`,
			check: func(t *testing.T, msg Inbound) {
				if rc := msg.(*Reconnect); rc.Host != "" || rc.Port != 0 {
					t.Errorf("got %#v", rc)
				}
			},
		},
		{
			name: "show message",
			line: `{"id":null,"method":"client.show_message","params":["maintenance at noon"]}`,
			check: func(t *testing.T, msg Inbound) {
				if sm := msg.(*ShowMessage); sm.Text != "maintenance at noon" {
					t.Errorf("Text = %q", sm.Text)
				}
			},
		},
		{
			name:    "unknown method",
			line:    `{"id":null,"method":"mining.bogus","params":[]}`,
			wantErr: "unknown stratum method",
		},
		{
			name:    "not json",
			line:    `this is not json`,
			wantErr: "failed to parse JSON",
		},
		{
			name:    "params not array",
			line:    `{"id":null,"method":"mining.notify","params":{"a":1}}`,
			wantErr: "params must be an array",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Decode([]byte(tt.line))
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Decode() error = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			tt.check(t, msg)
		})
	}
}

func TestDecodeUnknownMethodIsSentinel(t *testing.T) {
	_, err := Decode([]byte(`{"id":null,"method":"mining.nope","params":[]}`))
	if !errors.Is(err, ErrUnknownMethod) {
		t.Errorf("error = %v, want ErrUnknownMethod", err)
	}
}

func TestDecodeResponses(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		id       uint64
		wantCode int
		wantMsg  string
		wantOK   bool
	}{
		{"accepted", `{"id":3,"result":true,"error":null}`, 3, 0, "", true},
		{"array error", `{"id":4,"result":null,"error":[21,"Job not found",null]}`, 4, 21, "Job not found", false},
		{"object error", `{"id":5,"result":false,"error":{"code":23,"message":"Low difficulty share"}}`, 5, 23, "Low difficulty share", false},
		{"string error", `{"id":6,"result":false,"error":"stale"}`, 6, ErrorOther, "stale", false},
		{"string id", `{"id":"9","result":true}`, 9, 0, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Decode([]byte(tt.line))
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			resp, ok := msg.(*Response)
			if !ok {
				t.Fatalf("got %T, want *Response", msg)
			}
			if resp.ID != tt.id {
				t.Errorf("ID = %d, want %d", resp.ID, tt.id)
			}
			if ParseBoolResult(resp.Result) != tt.wantOK {
				t.Errorf("ParseBoolResult = %v, want %v", !tt.wantOK, tt.wantOK)
			}
			if tt.wantCode == 0 {
				if resp.Error != nil {
					t.Errorf("Error = %v, want nil", resp.Error)
				}
				return
			}
			if resp.Error == nil || resp.Error.Code != tt.wantCode || resp.Error.Message != tt.wantMsg {
				t.Errorf("Error = %+v, want %d %q", resp.Error, tt.wantCode, tt.wantMsg)
			}
		})
	}
}

func TestDecodeResponseWithoutID(t *testing.T) {
	if _, err := Decode([]byte(`{"id":null,"result":true}`)); err == nil {
		t.Error("Decode() should reject a response without id")
	}
}

func TestParseSubscribeResult(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		subID   string
		en1     string
		size    int
		wantErr bool
	}{
		{
			name:  "standard",
			raw:   `[[["mining.set_difficulty","b4b6693b72a50c7116db18d6497cac52"],["mining.notify","ae6812eb4cd7735a302a8a9dd95cf71f"]],"ae6812eb4cd7735a302a8a9dd95cf71f",4]`,
			subID: "ae6812eb4cd7735a302a8a9dd95cf71f",
			en1:   "ae6812eb4cd7735a302a8a9dd95cf71f",
			size:  4,
		},
		{
			name:  "flat pair",
			raw:   `[["mining.notify","abc"],"08000002",8]`,
			subID: "abc",
			en1:   "08000002",
			size:  8,
		},
		{
			name:  "null subscriptions",
			raw:   `[null,"01",2]`,
			en1:   "01",
			size:  2,
		},
		{
			name:    "size too large",
			raw:     `[[],"01",16]`,
			wantErr: true,
		},
		{
			name:    "too short",
			raw:     `[[],"01"]`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := ParseSubscribeResult([]byte(tt.raw))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseSubscribeResult() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if res.SubscriptionID != tt.subID || res.Extranonce1 != tt.en1 || res.Extranonce2Size != tt.size {
				t.Errorf("got %+v", res)
			}
		})
	}
}

func TestEncodeRequest(t *testing.T) {
	data, err := EncodeRequest(&Request{ID: 42, Method: MethodSubmit, Params: []interface{}{"w", "job", "00000001", "504e86b9", "deadbeef"}})
	if err != nil {
		t.Fatalf("EncodeRequest() error = %v", err)
	}
	if data[len(data)-1] != '\n' {
		t.Error("request must end with a newline")
	}
	if strings.Count(string(data), "\n") != 1 {
		t.Error("request must be a single line")
	}
	line := string(data)
	for _, want := range []string{`"id":42`, `"method":"mining.submit"`, `"00000001"`} {
		if !strings.Contains(line, want) {
			t.Errorf("request %s missing %s", line, want)
		}
	}
}

func TestBackoffDelay(t *testing.T) {
	noJitter := func() float64 { return 0 }
	fullJitter := func() float64 { return 0.999999 }

	b := Backoff{Initial: time.Second, Max: 30 * time.Second, Multiplier: 2, Jitter: noJitter}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second}
	for attempt, w := range want {
		if got := b.Delay(attempt); got != w {
			t.Errorf("Delay(%d) = %v, want %v", attempt, got, w)
		}
	}

	b.Jitter = fullJitter
	if got := b.Delay(10); got < 30*time.Second || got > 33*time.Second {
		t.Errorf("Delay with jitter = %v, want within 10%% above the cap", got)
	}

	// Default random jitter stays inside the 10% band
	b.Jitter = nil
	for i := 0; i < 100; i++ {
		got := b.Delay(0)
		if got < time.Second || got > 1100*time.Millisecond {
			t.Fatalf("Delay(0) = %v out of range", got)
		}
	}
}
