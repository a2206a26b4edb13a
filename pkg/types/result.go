package types

import "time"

// FunctionTranslation is the LLM explanation of a single function
type FunctionTranslation struct {
	FunctionAddress uint64   `json:"function_address"`
	FunctionName    string   `json:"function_name,omitempty"`
	NaturalLanguage string   `json:"natural_language,omitempty"`
	Purpose         string   `json:"purpose,omitempty"`
	Parameters      []string `json:"parameters,omitempty"`
	SecurityNotes   string   `json:"security_notes,omitempty"`
	RiskScore       float64  `json:"risk_score,omitempty"`
	TokensIn        int64    `json:"tokens_in,omitempty"`
	TokensOut       int64    `json:"tokens_out,omitempty"`
	LatencyMs       int64    `json:"latency_ms,omitempty"`
	Error           string   `json:"error,omitempty"`
}

// ImportTranslation is the LLM explanation of a single imported symbol
type ImportTranslation struct {
	Library         string `json:"library"`
	Name            string `json:"name"`
	NaturalLanguage string `json:"natural_language,omitempty"`
	Purpose         string `json:"purpose,omitempty"`
	SecurityNotes   string `json:"security_notes,omitempty"`
	TokensIn        int64  `json:"tokens_in,omitempty"`
	TokensOut       int64  `json:"tokens_out,omitempty"`
	LatencyMs       int64  `json:"latency_ms,omitempty"`
	Error           string `json:"error,omitempty"`
}

// StringTranslation is the LLM explanation of a single string literal
type StringTranslation struct {
	Address         uint64 `json:"address"`
	Content         string `json:"content,omitempty"`
	NaturalLanguage string `json:"natural_language,omitempty"`
	Category        string `json:"category,omitempty"`
	TokensIn        int64  `json:"tokens_in,omitempty"`
	TokensOut       int64  `json:"tokens_out,omitempty"`
	LatencyMs       int64  `json:"latency_ms,omitempty"`
	Error           string `json:"error,omitempty"`
}

// OverallSummary is the whole-binary explanation produced after all
// per-item translations complete
type OverallSummary struct {
	Text          string   `json:"text"`
	Purpose       string   `json:"purpose,omitempty"`
	KeyBehaviors  []string `json:"key_behaviors,omitempty"`
	SecurityNotes string   `json:"security_notes,omitempty"`
	TokensIn      int64    `json:"tokens_in,omitempty"`
	TokensOut     int64    `json:"tokens_out,omitempty"`
	LatencyMs     int64    `json:"latency_ms,omitempty"`
	Error         string   `json:"error,omitempty"`
}

// TranslatedResult is the orchestrator's merged output for one job
type TranslatedResult struct {
	OverallSummary OverallSummary        `json:"overall_summary"`
	Functions      []FunctionTranslation `json:"functions"`
	Imports        []ImportTranslation   `json:"imports"`
	Strings        []StringTranslation   `json:"strings"`
	Warnings       []string              `json:"warnings,omitempty"`
}

// Accounting records token and cost totals for one job
type Accounting struct {
	ProviderID      string  `json:"provider_id"`
	Model           string  `json:"model"`
	TotalTokensIn   int64   `json:"total_tokens_in"`
	TotalTokensOut  int64   `json:"total_tokens_out"`
	EstimatedCost   float64 `json:"estimated_cost"`
	DisassemblyMs   int64   `json:"disassembly_ms"`
	TranslationMs   int64   `json:"translation_ms"`
	TotalDurationMs int64   `json:"total_duration_ms"`
}

// ResultMetadata identifies the job and software versions that produced a
// result document
type ResultMetadata struct {
	JobID       string    `json:"job_id"`
	CreatedAt   time.Time `json:"created_at"`
	CompletedAt time.Time `json:"completed_at"`
	Versions    struct {
		Service      string `json:"service"`
		Disassembler string `json:"disassembler,omitempty"`
	} `json:"versions"`
}

// ResultDocument is the immutable blob stored by the engine and referenced
// by Job.ResultReference
type ResultDocument struct {
	Metadata     ResultMetadata   `json:"metadata"`
	Disassembly  *Disassembly     `json:"disassembly"`
	Translations TranslatedResult `json:"translations"`
	Accounting   Accounting       `json:"accounting"`
}
