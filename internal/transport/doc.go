// Package transport is the layer every source adapter fetches through. It combines
// the per-host rate gate, two fetch strategies (direct HTTP and a headless browser),
// a protection-challenge detector and a sticky per-source strategy selector into a
// single retrying Get.
package transport
