package profiles

// Correction rules return the nearest format a profile can carry and a
// penalty: negative when the result is preferred, zero for an exact fit,
// positive for a compromise and at least HiddenPriority when the profile
// should not be offered at all.

func correctStereo(f *AudioFormat) int {
	switch f.NumChannels() {
	case 1:
		f.Channels = ChannelsMono
		return -1
	case 2:
		f.Channels = ChannelsStereo
		return -1
	default:
		f.Channels = ChannelsStereo
		return 1
	}
}

func correctSurround51(f *AudioFormat) int {
	switch f.Channels {
	case ChannelsMono, ChannelsStereo, ChannelsQuadraphonic,
		ChannelsSurround30, ChannelsSurround40, ChannelsSurround50, ChannelsSurround51:
		return 0
	}
	switch {
	case f.NumChannels() == 1:
		f.Channels = ChannelsMono
	case f.NumChannels() == 2:
		f.Channels = ChannelsStereo
	case f.Channels.HasLFE():
		f.Channels = ChannelsSurround50
	default:
		f.Channels = ChannelsSurround51
	}
	return 1
}

func correctAudio(side audioSide, f *AudioFormat) int {
	f.SampleRate = side.rate
	switch side.rule {
	case audioLPCM:
		n := f.NumChannels()
		f.Channels = ChannelsStereo
		if n == 1 || n == 2 {
			return -1
		}
		return 1
	case audioStereo:
		return correctStereo(f)
	case audioSurround51:
		return correctSurround51(f)
	}
	return 0
}

func (f VideoFormat) fitsCIF() bool { return f.Width <= 352 && f.Height <= 288 }
func (f VideoFormat) fitsSD() bool  { return f.Width <= 768 && f.Height <= 576 }
func (f VideoFormat) fitsD1() bool  { return f.Width <= 720 && f.Height <= 576 }
func (f VideoFormat) isHD() bool    { return f.Width >= 1280 || f.Height >= 720 }
func (f VideoFormat) isFullHD() bool {
	return f.Width >= 1920 || f.Height >= 1080
}
func (f VideoFormat) isWide() bool { return f.Height > 0 && f.DisplayAspect() >= 1.6 }

// standardSD prefers sizes up to SD and hides anything at or below CIF.
func standardSD(f VideoFormat, fits func(VideoFormat) bool) int {
	switch {
	case f.fitsCIF():
		return hide
	case fits(f):
		return -priorityBoost
	}
	return 0
}

// standardHD prefers HD sizes and hides everything smaller.
func standardHD(f *VideoFormat) int {
	offset := hide
	if f.isHD() {
		offset = -priorityBoost
	}
	switch {
	case f.isFullHD():
		*f = f.Resized(1920, 1080)
	case f.isHD():
		*f = f.Resized(1280, 720)
	}
	return offset
}

// smallFirst prefers sizes up to CIF and demotes HD.
func smallFirst(f VideoFormat) int {
	switch {
	case f.fitsCIF():
		return -priorityBoost
	case f.isHD():
		return priorityBoost
	}
	return 0
}

func correctVideo(rule videoRule, f *VideoFormat) int {
	rate := f.FrameRate
	offset := 0

	switch rule {
	case videoMPEG1:
		offset = smallFirst(*f)
		switch {
		case rate < 24.5:
			f.FrameRate = NTSC(24)
			*f = f.Scaled(352, 240)
		case rate > 27.5:
			f.FrameRate = NTSC(30)
			*f = f.Scaled(352, 240)
		default:
			f.FrameRate = 25
			*f = f.Scaled(352, 288)
		}

	case videoPAL:
		offset = standardSD(*f, VideoFormat.fitsSD)
		if rate > 27.5 {
			offset = hide
		}
		f.FrameRate = 25
		*f = f.Scaled(720, 576)

	case videoNTSC:
		offset = standardSD(*f, VideoFormat.fitsSD)
		if rate < 27.5 {
			offset = hide
		}
		f.FrameRate = NTSC(30)
		*f = f.Scaled(704, 480)

	case videoSDNA:
		offset = standardSD(*f, VideoFormat.fitsSD)
		if rate < 27.5 {
			f.FrameRate = NTSC(24)
		} else {
			f.FrameRate = NTSC(30)
		}
		*f = f.Scaled(704, 480)

	case videoHDEU:
		switch {
		case rate < 24.5:
			f.FrameRate = 24
		case rate > 27.5:
			f.FrameRate = 30
		default:
			f.FrameRate = 25
		}
		offset = standardHD(f)

	case videoHDNA:
		if rate < 27.5 {
			f.FrameRate = NTSC(24)
		} else {
			f.FrameRate = NTSC(30)
		}
		offset = standardHD(f)

	case videoSPQVGA:
		offset = smallFirst(*f)
		if f.isWide() {
			*f = f.Scaled(320, 180)
		} else {
			*f = f.Scaled(320, 240)
		}
		f.FrameRate = 15

	case videoSPVGA:
		offset = standardSD(*f, VideoFormat.fitsD1)
		if f.isWide() {
			*f = f.Scaled(640, 360)
		} else {
			*f = f.Scaled(640, 480)
		}

	case videoASP:
		offset = standardSD(*f, VideoFormat.fitsD1)
		*f = f.Scaled(720, 576)

	case videoWMV:
		offset = standardSD(*f, VideoFormat.fitsD1)
		if rate < 27.5 {
			f.FrameRate = 25
			*f = f.Scaled(720, 576)
		} else {
			f.FrameRate = NTSC(30)
			*f = f.Scaled(720, 480)
		}

	case videoMatroskaSD:
		offset = standardSD(*f, VideoFormat.fitsSD)
		if f.isWide() {
			*f = f.Scaled(640, 360)
		} else {
			*f = f.Scaled(640, 480)
		}

	case videoMatroskaHD:
		offset = standardHD(f)
	}

	return offset
}

func correctImage(rule imageRule, s *ImageSize) int {
	offset := 0
	bigger := func(w, h int) bool { return s.Width > w || s.Height > h }
	within := func(w, h int) bool { return s.Width <= w && s.Height <= h }

	switch rule {
	case imageThumbnail:
		if within(160, 160) {
			offset--
		}
		*s = ImageSize{160, 160}
	case imageSmall:
		if bigger(160, 160) && within(640, 480) {
			offset--
		}
		*s = ImageSize{640, 480}
	case imageMedium:
		if bigger(640, 480) && within(1024, 768) {
			offset--
		}
		*s = ImageSize{1024, 768}
	case imageLarge:
		if bigger(1024, 768) {
			offset--
		}
		*s = ImageSize{1920, 1080}
	case imagePNGLarge:
		if bigger(160, 160) {
			offset--
		}
		*s = ImageSize{1920, 1080}
	}
	return offset
}

// CorrectAudio returns the audio format profile p would deliver for f, and
// the penalty of doing so.
func CorrectAudio(p DeliveryProfile, f AudioFormat) (AudioFormat, int) {
	penalty := correctAudio(p.audio, &f)
	return f, penalty
}

// CorrectVideo returns the video format profile p would deliver for f, and
// the penalty of doing so. Non-video profiles return f unchanged.
func CorrectVideo(p DeliveryProfile, f VideoFormat) (VideoFormat, int) {
	if p.Kind != KindVideo {
		return f, 0
	}
	penalty := correctVideo(p.video, &f)
	return f, penalty
}

// CorrectImage returns the image size profile p would deliver for s, and the
// penalty of doing so.
func CorrectImage(p DeliveryProfile, s ImageSize) (ImageSize, int) {
	if p.Kind != KindImage {
		return s, 0
	}
	penalty := correctImage(p.image, &s)
	return s, penalty
}

// CorrectedFormat applies every correction of p that applies to src and
// returns the corrected source with the summed penalty.
func CorrectedFormat(p DeliveryProfile, src Source) (Source, int) {
	out := src
	penalty := 0
	switch p.Kind {
	case KindAudio:
		var pa int
		out.Audio, pa = CorrectAudio(p, src.Audio)
		penalty += pa
	case KindVideo:
		var pa, pv int
		out.Audio, pa = CorrectAudio(p, src.Audio)
		out.Video, pv = CorrectVideo(p, src.Video)
		penalty += pa + pv
	case KindImage:
		var pi int
		out.Image, pi = CorrectImage(p, src.Image)
		penalty += pi
	}
	return out, penalty
}
