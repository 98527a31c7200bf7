package generator

// recordSchema documents the JSON structure that must be emitted by the LLM.
const recordSchema = `
RESPONSE SCHEMA
===============

A JSON array of record objects. Every record has exactly these fields:

[
  {
    "use_case": "uc1",                        // The use-case id given in the request
    "prompt": "actual prompt text",           // Instruction referencing real org data
    "expected_object": "Account",             // Object API name the prompt targets
    "difficulty": "easy",                     // One of: easy | medium | hard
    "challenges": ["ambiguous name"],         // List of difficulty factors (may be empty)
    "expected_behavior": "what should happen" // Expected agent behaviour (string)
  }
]
`
