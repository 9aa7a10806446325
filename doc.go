// Package voice runs a speech session against a streaming recognizer and a
// streaming synthesizer.
//
// A Service captures microphone audio, streams it to the recognizer and
// reports partial and committed transcripts. Reply text handed to
// ProcessTextChunk is segmented, synthesized and played back, while an echo
// gate keeps the played audio out of the recognizer and lets the user barge
// in over it. Progress is reported as Events to any number of subscribers.
//
// Subpackages hold the moving parts: audio for capture and voice activity,
// stt for the recognizer link, tts for synthesis and playback, echo for the
// gate, and segment for splitting streamed text into speakable chunks.
package voice
