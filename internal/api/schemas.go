package api

const chatSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["text"],
  "properties": {
    "session_id": {"type": "string", "pattern": "^[A-Za-z0-9_-]{1,128}$"},
    "text": {"type": "string", "minLength": 1, "maxLength": 4000}
  }
}`

const biometricSchema = `{
  "type": "object",
  "additionalProperties": false,
  "oneOf": [
    {"required": ["image"]},
    {"required": ["verified"]}
  ],
  "properties": {
    "image": {"type": "string", "minLength": 1},
    "verified": {"type": "boolean"}
  }
}`

const beneficiarySchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["alias", "account_name", "account_number", "bank_name"],
  "properties": {
    "alias": {"type": "string", "minLength": 1, "maxLength": 100},
    "account_name": {"type": "string", "minLength": 1, "maxLength": 255},
    "account_number": {"type": "string", "pattern": "^[0-9]{10}$"},
    "bank_name": {"type": "string", "minLength": 1, "maxLength": 100}
  }
}`

const enrollSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["image"],
  "properties": {
    "image": {"type": "string", "minLength": 1}
  }
}`

// completionSchema checks only what the hook reads; voice platforms send
// many more fields.
const completionSchema = `{
  "type": "object",
  "required": ["messages"],
  "properties": {
    "model": {"type": "string"},
    "stream": {"type": "boolean"},
    "user": {"type": "string", "maxLength": 128},
    "messages": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["role"],
        "properties": {"role": {"type": "string"}}
      }
    }
  }
}`
