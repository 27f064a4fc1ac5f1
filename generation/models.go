package generation

// Payload shapes for the asynchronous image synthesis API. Image edits are
// submitted as tasks and polled; video synthesis resolves in a single call.

type imageEditRequest struct {
	Model      string          `json:"model"`
	Input      imageEditInput  `json:"input"`
	Parameters imageEditParams `json:"parameters"`
}

type imageEditInput struct {
	Prompt        string `json:"prompt"`
	BaseImageData string `json:"base_image_data"`
}

type imageEditParams struct {
	N int `json:"n"`
}

type taskSubmission struct {
	RequestID string `json:"request_id"`
	Output    struct {
		TaskID     string `json:"task_id"`
		TaskStatus string `json:"task_status"`
	} `json:"output"`
}

type taskStatusResponse struct {
	RequestID string `json:"request_id"`
	Output    struct {
		TaskID     string `json:"task_id"`
		TaskStatus string `json:"task_status"`
		Results    []struct {
			URL string `json:"url"`
		} `json:"results"`
		Message string `json:"message"`
	} `json:"output"`
}

type videoSynthesisRequest struct {
	Model string              `json:"model"`
	Input videoSynthesisInput `json:"input"`
}

type videoSynthesisInput struct {
	Prompt    string `json:"prompt"`
	ImageData string `json:"image_data"`
}

type videoSynthesisResponse struct {
	RequestID string `json:"request_id"`
	Output    struct {
		TaskID     string `json:"task_id"`
		TaskStatus string `json:"task_status"`
		VideoURL   string `json:"video_url"`
		Message    string `json:"message"`
	} `json:"output"`
}

type segmentationResponse struct {
	RequestID string `json:"request_id"`
	Output    struct {
		ImageURL string `json:"image_url"`
		Message  string `json:"message"`
	} `json:"output"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
