// Package hooks provides the typed transform points threaded through the render pipeline.
//
// There are ten points, one before and one after each stage (LLM, code
// generation, policy check, runtime, render). Each point carries a fixed
// payload type. Transforms registered on a point run in registration order
// as a left fold, each receiving the previous transform's output. With no
// HookManager configured every point is the identity.
//
// An optional customization Engine runs after the typed transforms. It is
// untyped, so its result is checked against the point's payload type.
package hooks
