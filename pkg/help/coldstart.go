package help

const ColdstartYAML = `# lepi quick start

pipeline:
  fetch: "Read the filtered manifest, download and normalize every image, augment, rewrite the manifest"
  extract: "Compute feature artifacts (lbp, glcm) for every canonical image and add one column per feature"
  run: "fetch, then extract every feature listed under 'features' in the config"
  export: "Write the persisted manifest as an XLSX workbook"

commands:
  basic_fetch: |
    lepi fetch --input data/filtered.csv --manifest data/dataset.csv

  fetch_with_augmentation: |
    lepi fetch --input data/filtered.csv --augment all --workers 50

  extract_features: |
    lepi extract lbp glcm --check-shapes

  full_run: |
    lepi --config lepi.yaml run

  export_xlsx: |
    lepi export --xlsx data/dataset.xlsx

  list_runs: |
    lepi db runs

  run_details: |
    lepi db run 3f2a9c1e

  artifacts_for_source: |
    lepi db artifacts https://images.example.org/123.jpg

augment_modes:
  none: "Canonical image only (default)"
  flip: "One mirrored variant: 3_0f.png"
  rotate: "Four rotations: 3_0_0.png, 3_0_90.png, 3_0_180.png, 3_0_270.png"
  all: "Every rotation and its mirror: 8 variants"

layout:
  - "data/cache_db/<category>/<index>_0.png (canonical images and their variants)"
  - "data/cache_<feature>/<category>/<index>_0.<ext> (feature artifacts)"
  - "data/dataset.csv (persisted manifest: input columns + path + variants + one column per feature)"
  - "data/failed-records.yaml (only written when a record failed)"
  - "data/lepi.db (provenance ledger, disable with --no-db)"

guarantees:
  - "Existing files are never refetched or recomputed; rerunning is cheap"
  - "Index values are never renumbered; failed records are dropped, order is kept"
  - "Unreadable cached feature artifacts are deleted and recomputed"

error_behavior:
  - "Malformed manifest rows: fail fast before fetching"
  - "Per-record errors: timeout, network_error, invalid_reference, persist_error, unknown_error"
  - "Exit codes: 0=success or partial failure, 1=usage or structural error, 2=every record failed"
`

// ExampleConfigYAML is a complete configuration with every default spelled out.
const ExampleConfigYAML = `input_path: data/filtered.csv
manifest_path: data/dataset.csv
delimiter: ","
category_column: category
index_column: index
source_column: identifier

image_root: data/cache_db
feature_root: data/cache
image_format: png
jpeg_quality: 90

workers: 100
fetch_timeout: 40s
max_image_bytes: 33554432
max_pixels: 178956970
rate_limit_per_sec: 0
user_agent: lepi-pipeline/1.0
retry:
  max_attempts: 2
  initial_backoff: 200ms
  max_backoff: 2s
breaker:
  disabled: false
  min_requests: 20
  failure_ratio: 0.6
  open_timeout: 30s
s3:
  endpoint: ""

min_size: 256
fill_color: "#000000"
resize:
  width: 416
  height: 416
  method: catmullrom

augment: none
augment_workers: 8

features: [lbp, glcm]
extract_workers: 1
lbp:
  radius: 1
  method: ror
  square: true
glcm:
  distances: [0, 1, 2, 3, 4]
  angles: [0, 45, 90, 135, 180, 225, 270, 315, 360]
  levels: 256

metrics_addr: ""
`
