package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestDecode(t *testing.T) {
	r, err := Decode([]byte(`{"directive":"SessionStop","payload":{"session_id":"s-1"}}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if r.Directive != DirectiveSessionStop {
		t.Errorf("directive = %q", r.Directive)
	}
	var stop SessionStop
	if err := json.Unmarshal(r.Payload, &stop); err != nil || stop.SessionID != "s-1" {
		t.Errorf("payload = %+v err=%v", stop, err)
	}

	for _, bad := range []string{`not json`, `{}`, `{"payload":{}}`} {
		if _, err := Decode([]byte(bad)); !errors.Is(err, ErrInvalidPayload) {
			t.Errorf("Decode(%s) = %v, want ErrInvalidPayload", bad, err)
		}
	}
}

func TestDecodeStart_Defaults(t *testing.T) {
	s, err := DecodeStart(nil, Defaults{
		Modalities: []Modality{ModalityAudio, ModalityText},
		ASRVendor:  "dashscope",
		TTSVendor:  "dashscope",
	})
	if err != nil {
		t.Fatalf("DecodeStart: %v", err)
	}
	if s.SessionID == "" {
		t.Error("expected generated session id")
	}
	if s.Upstream.ASROptions.SampleRate != DefaultSampleRate || s.Downstream.TTSOptions.SampleRate != DefaultSampleRate {
		t.Errorf("sample rates = %d/%d", s.Upstream.ASROptions.SampleRate, s.Downstream.TTSOptions.SampleRate)
	}
	if s.Upstream.ASROptions.Format != FormatPCM || s.Downstream.TTSOptions.Format != FormatPCM {
		t.Error("format not defaulted to pcm")
	}
	if s.Upstream.ASRVendor != "dashscope" || s.Downstream.TTSVendor != "dashscope" {
		t.Errorf("vendors = %q/%q", s.Upstream.ASRVendor, s.Downstream.TTSVendor)
	}
	if !s.Has(ModalityAudio) || !s.Has(ModalityText) {
		t.Errorf("modalities = %v", s.Downstream.Modalities)
	}
	if s.Upstream.ASROptions.FastVADMaxDuration != nil {
		t.Error("fast VAD should stay disabled when not sent")
	}
}

func TestDecodeStart_FullPayload(t *testing.T) {
	raw := json.RawMessage(`{
		"session_id":"s-1",
		"upstream":{"type":"AudioOnly","mode":"duplex","audio_format":"pcm","asr_vendor":"deepgram",
			"asr_options":{"model":"nova-2","language":"en","sample_rate":8000,"fast_vad_max_duration":600}},
		"downstream":{"type":"Audio","tts_vendor":"elevenlabs",
			"tts_options":{"voice":"v1","sample_rate":24000,"volume":70,"speech_rate":1.2,"pitch_rate":0.9},
			"modalities":["text"]},
		"parameters":{"enable_tool_call":true}}`)
	s, err := DecodeStart(raw, Defaults{Modalities: []Modality{ModalityAudio}})
	if err != nil {
		t.Fatalf("DecodeStart: %v", err)
	}
	if s.SessionID != "s-1" || s.Upstream.ASRVendor != "deepgram" || s.Downstream.TTSVendor != "elevenlabs" {
		t.Errorf("identity = %+v", s)
	}
	if v := s.Upstream.ASROptions.FastVADMaxDuration; v == nil || *v != 600 {
		t.Errorf("fast VAD = %v", v)
	}
	if s.Downstream.TTSOptions.SampleRate != 24000 || s.Downstream.TTSOptions.SpeechRate != 1.2 {
		t.Errorf("tts options = %+v", s.Downstream.TTSOptions)
	}
	if s.Has(ModalityAudio) || !s.Has(ModalityText) {
		t.Errorf("client modalities should win: %v", s.Downstream.Modalities)
	}
	if !s.Parameters.EnableToolCall {
		t.Error("enable_tool_call lost")
	}
}

func TestDecodeStart_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    string
	}{
		{"bad json", `{"upstream":`, "session start"},
		{"rate too high", `{"upstream":{"asr_options":{"sample_rate":96000}}}`, "upstream.asr_options.sample_rate"},
		{"negative rate", `{"downstream":{"tts_options":{"sample_rate":-1}}}`, "downstream.tts_options.sample_rate"},
		{"mp3", `{"downstream":{"tts_options":{"format":"mp3"}}}`, "downstream.tts_options.format"},
		{"opus upstream", `{"upstream":{"audio_format":"opus"}}`, "upstream.audio_format"},
		{"modality", `{"downstream":{"modalities":["video"]}}`, "unknown modality"},
		{"negative vad", `{"upstream":{"asr_options":{"fast_vad_max_duration":-5}}}`, "fast_vad_max_duration"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeStart(json.RawMessage(tt.payload), Defaults{Modalities: []Modality{ModalityAudio}})
			if !errors.Is(err, ErrInvalidPayload) {
				t.Fatalf("err = %v, want ErrInvalidPayload", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestDecodeStart_ReportsAllProblems(t *testing.T) {
	_, err := DecodeStart(json.RawMessage(`{
		"upstream":{"asr_options":{"sample_rate":0,"format":"wav"}},
		"downstream":{"tts_options":{"sample_rate":50000},"modalities":["x"]}}`), Defaults{})
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"asr_options.format", "tts_options.sample_rate", "unknown modality"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}

func TestEncode(t *testing.T) {
	b, err := Encode(EventResponseText, TextPayload{
		SessionID: "s", ChatID: "2", Text: "好", Finished: true,
		ToolCalls: []ToolCall{{ID: "c1", Name: "f", Arguments: "{}"}},
	})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var got struct {
		Event   string         `json:"event"`
		Payload map[string]any `json:"payload"`
	}
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatal(err)
	}
	if got.Event != "ResponseText" || got.Payload["chat_id"] != "2" || got.Payload["finished"] != true {
		t.Errorf("encoded = %s", b)
	}
	if calls, _ := got.Payload["tool_calls"].([]any); len(calls) != 1 {
		t.Errorf("tool_calls = %v", got.Payload["tool_calls"])
	}

	b, _ = Encode(EventAudioTranscript, TranscriptPayload{SessionID: "s", Text: "hi"})
	if strings.Contains(string(b), "partial") {
		t.Errorf("partial should be omitted when false: %s", b)
	}
}
