package main

const (
	MsgUploadPrompt = "Please upload an image file to start detection."

	MsgUnsupportedType = "Unsupported file type. Please upload a JPG, JPEG or PNG image."

	MsgFileTooLarge = "The uploaded file is too large."

	MsgUploadError = "Error reading the uploaded file."

	MsgInvalidTargetSize = "The inference size must be a whole number between 32 and 1280."

	MsgDecodeError = "Error processing image: the uploaded file could not be read as an image."

	MsgInferenceError = "Error during YOLO prediction."

	MsgRenderError = "Error drawing the detections on the image."

	MsgProcessingError = "Error processing image."

	MsgNoDetections = "No objects were detected in this image."
)
