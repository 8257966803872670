package api

const createSimulationSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["name"],
  "properties": {
    "name": {"type": "string", "pattern": "^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$"},
    "start_date": {"type": ["string", "null"], "pattern": "^\\d{4}-\\d{2}-\\d{2}$"},
    "end_date": {"type": ["string", "null"], "pattern": "^\\d{4}-\\d{2}-\\d{2}$"}
  }
}`

const patchMetadataSchema = `{
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "start_date": {"type": ["string", "null"], "pattern": "^\\d{4}-\\d{2}-\\d{2}$"},
    "end_date": {"type": ["string", "null"], "pattern": "^\\d{4}-\\d{2}-\\d{2}$"}
  }
}`

const createAccountSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["name"],
  "properties": {
    "name": {"type": "string", "minLength": 1, "maxLength": 255}
  }
}`

const patchAccountSchema = `{
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "name": {"type": "string", "minLength": 1, "maxLength": 255}
  }
}`

const createEntrySchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["amount", "currency", "effective_time"],
  "properties": {
    "amount": {"type": "number"},
    "currency": {"type": "string", "minLength": 1, "maxLength": 16},
    "description": {"type": ["string", "null"], "maxLength": 1024},
    "effective_time": {"type": "string", "format": "date-time", "minLength": 1}
  }
}`

const createRuleSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["rule_type", "target_account_id", "source_account_id", "time_of_day", "currency"],
  "properties": {
    "rule_type": {"type": "string", "enum": ["BACKUP_FUNDING", "TOPUP", "SWEEP_OUT"]},
    "target_account_id": {"type": "integer"},
    "source_account_id": {"type": "integer"},
    "time_of_day": {"type": "string", "pattern": "^\\d{2}:\\d{2}:\\d{2}$"},
    "currency": {"type": "string", "minLength": 1, "maxLength": 16},
    "threshold": {"type": "number"},
    "target_amount": {"type": "number"}
  }
}`
