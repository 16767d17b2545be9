package useapi

import "strings"

// ButtonName strips the uniqueness suffix from a slot label: V1-456 submits V1.
func ButtonName(label string) string {
	name, _, _ := strings.Cut(strings.TrimSpace(label), "-")
	return name
}

// Imagine builds the primary generation request. replyRef is echoed back in
// every notification for the job.
func (c *Client) Imagine(prompt, suffix, replyRef string) Request {
	full := strings.TrimSpace(prompt)
	if s := strings.TrimSpace(suffix); s != "" {
		full += " " + s
	}
	body := map[string]any{
		"prompt":   full,
		"replyUrl": c.cfg.ReplyURL,
		"replyRef": replyRef,
	}
	c.addAccount(body)
	if c.cfg.MaxJobs > 0 {
		body["maxJobs"] = c.cfg.MaxJobs
	}
	return Request{Channel: ChannelMidjourney, Endpoint: c.cfg.MidjourneyURL + "/imagine", JSON: body}
}

// Button builds a variant selection (upscale) request against a completed job.
func (c *Client) Button(parentJobID, label, replyRef string) Request {
	body := map[string]any{
		"jobid":    parentJobID,
		"button":   ButtonName(label),
		"replyUrl": c.cfg.ReplyURL,
		"replyRef": replyRef,
	}
	if c.cfg.Discord != "" {
		body["discord"] = c.cfg.Discord
	}
	return Request{Channel: ChannelMidjourney, Endpoint: c.cfg.MidjourneyURL + "/button", JSON: body}
}

// FaceSwap builds a face swap of target using the face found in sourceFace.
// replyRef must be the originating node's job id.
func (c *Client) FaceSwap(sourceFace, target, replyRef string) Request {
	return Request{
		Channel:  ChannelFaceSwap,
		Endpoint: c.cfg.FaceSwapURL + "/swap",
		Form: &Form{
			Fields: map[string]string{"replyUrl": c.cfg.ReplyURL, "replyRef": replyRef},
			Files:  map[string]string{"saveid_image": sourceFace, "swapid_image": target},
		},
	}
}

// Animate builds an image animation request. replyRef must be the originating
// node's job id.
func (c *Client) Animate(image, prompt, replyRef string) Request {
	return Request{
		Channel:  ChannelPika,
		Endpoint: c.cfg.PikaURL + "/animate",
		Form: &Form{
			Fields: map[string]string{"replyUrl": c.cfg.ReplyURL, "replyRef": replyRef, "prompt": prompt},
			Files:  map[string]string{"image": image},
		},
	}
}

func (c *Client) addAccount(body map[string]any) {
	for key, value := range map[string]string{
		"discord": c.cfg.Discord,
		"server":  c.cfg.Server,
		"channel": c.cfg.Channel,
	} {
		if value != "" {
			body[key] = value
		}
	}
}
