package config

// Template returns a commented starter config. The high_stakes and orphans
// sections are left for the operator to fill in.
func Template() string {
	return `# ponder configuration
data_dir: ~/.ponder

server:
  host: localhost
  port: 8080
  cors_origins: []

logging:
  level: info      # debug, info, warn, error
  format: console  # console or json

analysis:
  max_passes: 5
  max_passes_per_tier:
    cheap: 3
    mid: 1
    top: 1
  stop_confidence: 0.95
  concurrency: 4

thresholds:
  action: 0.90
  required_enrichment: 0.90
  optional_enrichment: 0.70

# Required. Events above the ceiling, with a deadline inside the window, or
# from a VIP sender always get a top-tier review.
high_stakes:
  amount_ceiling: 0      # e.g. 10000
  deadline_window: 0s    # e.g. 48h
  vip_senders: []

context:
  max_per_source: 5
  provider_timeout: 5s
  date_window: 72h
  sources:
    notes: true
    semantic: false
    gmail: false
    calendar: false

# Required. permanent, or expiring with rejection_ttl set.
orphans:
  rejection_policy: ""
  rejection_ttl: 0s

llm:
  max_retries: 2
  retry_backoff: 500ms
  timeout: 60s
  tiers:
    cheap: {provider: ollama, model: llama3.2}
    mid:   {provider: azure,  model: gpt-4o-mini}
    top:   {provider: claude, model: claude-sonnet-4-20250514}
  claude:
    base_url: https://api.anthropic.com   # key from ANTHROPIC_API_KEY
  azure:
    endpoint: ""                          # or AZURE_OPENAI_ENDPOINT
    api_version: "2024-10-21"
  ollama:
    url: http://localhost:11434

qdrant:
  host: localhost
  port: 6334
  collection: ponder_notes

embeddings:
  url: http://localhost:11434
  model: nomic-embed-text
  dimensions: 768

google:
  token_file: ~/.ponder/google_token.json   # client id/secret from GOOGLE_CLIENT_ID / GOOGLE_CLIENT_SECRET

maintenance:
  ledger_verify_interval: 1h   # 0 disables
  reindex_at: "03:00"          # nightly note re-embedding; empty disables
`
}
