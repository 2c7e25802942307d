package browser

import "github.com/go-rod/stealth"

// maskingJS adds canvas pixel noise and spoofs the unmasked WebGL vendor and
// renderer on top of the stealth evasions.
const maskingJS = `(() => {
	const toDataURL = HTMLCanvasElement.prototype.toDataURL;
	HTMLCanvasElement.prototype.toDataURL = function(...args) {
		const ctx = this.getContext('2d');
		if (ctx && this.width > 0 && this.height > 0) {
			const img = ctx.getImageData(0, 0, this.width, this.height);
			for (let i = 0; i < img.data.length; i += 4) {
				img.data[i] = img.data[i] ^ (Math.random() < 0.5 ? 1 : 0);
			}
			ctx.putImageData(img, 0, 0);
		}
		return toDataURL.apply(this, args);
	};
	const patch = (proto) => {
		if (!proto) return;
		const getParameter = proto.getParameter;
		proto.getParameter = function(param) {
			if (param === 37445) return 'Intel Inc.';
			if (param === 37446) return 'Intel Iris OpenGL Engine';
			return getParameter.call(this, param);
		};
	};
	patch(window.WebGLRenderingContext && WebGLRenderingContext.prototype);
	patch(window.WebGL2RenderingContext && WebGL2RenderingContext.prototype);
})();`

// EvasionScript is injected into every document before page scripts run.
func EvasionScript() string {
	return stealth.JS + "\n" + maskingJS
}
