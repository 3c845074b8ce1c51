// Package executor runs the single bounded model call of a job attempt.
//
// An attempt renders every input document to text, invokes the model once
// with a transform-specific prompt and a hard output token cap, parses the
// response best-effort and writes two artifacts:
//
//	extracted_data.json   parsed data, or {"_raw_text": ...} when the
//	                      response held no JSON object
//	model_output.txt      the verbatim model text
//
// Judgment language in the output and schema mismatches are reported as
// warnings. The executor never rejects a response for its wording.
package executor
