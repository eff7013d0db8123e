// Package prompts holds the instruction text the engine sends to the
// completion service around a persona.
//
// Prompt text is Go code rather than config because it is program logic:
// the fragments are interpolated with fmt.Sprintf and validated by tests.
// Persona content (identity, style, world knowledge, memory) comes from
// configuration; this package only supplies the fixed framing.
//
// Convention: each prompt category gets its own file with exported
// functions that accept the dynamic parts and return finished text.
package prompts
